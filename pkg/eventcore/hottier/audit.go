package hottier

import "time"

// Level is the severity of an audit event.
type Level string

// Audit levels.
const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// AuditEvent is one tenant-scoped record in the hot tier.
type AuditEvent struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Category       string         `json:"category,omitempty"`
	Level          Level          `json:"level,omitempty"`
	ActorID        string         `json:"actor_id,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	RequiresReview bool           `json:"requires_review,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Criteria selects audit events. All set fields must match.
type Criteria struct {
	// TenantID scopes the query. Required unless Privileged is set.
	TenantID string

	// Privileged allows a query across all tenants.
	Privileged bool

	StartDate      *time.Time
	EndDate        *time.Time
	Category       string
	Level          Level
	ActorID        string
	ResourceID     string
	RequiresReview *bool

	// Limit caps the result after sorting. Zero means no limit.
	Limit int
}

// Matches reports whether evt satisfies every filter in c, ignoring Limit.
func (c Criteria) Matches(evt AuditEvent) bool {
	switch {
	case c.TenantID != "" && evt.TenantID != c.TenantID:
		return false
	case c.StartDate != nil && evt.Timestamp.Before(*c.StartDate):
		return false
	case c.EndDate != nil && evt.Timestamp.After(*c.EndDate):
		return false
	case c.Category != "" && evt.Category != c.Category:
		return false
	case c.Level != "" && evt.Level != c.Level:
		return false
	case c.ActorID != "" && evt.ActorID != c.ActorID:
		return false
	case c.ResourceID != "" && evt.ResourceID != c.ResourceID:
		return false
	case c.RequiresReview != nil && evt.RequiresReview != *c.RequiresReview:
		return false
	}
	return true
}

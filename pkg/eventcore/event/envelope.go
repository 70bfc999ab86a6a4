package event

import "time"

// Envelope wraps a DomainEvent with retry bookkeeping for one handler.
//
// An envelope is created on the first failed dispatch attempt. RetryCount
// counts failed attempts; once it reaches the subscription's MaxAttempts the
// envelope is marked as a dead letter and handed to the dead-letter queue.
type Envelope struct {
	Event   DomainEvent `json:"event"`
	Handler string      `json:"handler,omitempty"`

	RetryCount  int        `json:"retry_count"`
	Err         error      `json:"-"`
	Errors      []error    `json:"-"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`

	IsDeadLetter bool `json:"is_dead_letter"`
}

// NewEnvelope creates an envelope for evt as seen by handler.
func NewEnvelope(evt DomainEvent, handler string) *Envelope {
	return &Envelope{
		Event:     evt,
		Handler:   handler,
		CreatedAt: time.Now(),
	}
}

// RecordFailure registers a failed attempt.
func (e *Envelope) RecordFailure(err error, at time.Time) {
	e.RetryCount++
	e.Err = err
	e.Errors = append(e.Errors, err)
	ts := at
	e.LastAttempt = &ts
}

// MarkDeadLetter flags the envelope as terminally failed.
func (e *Envelope) MarkDeadLetter() {
	e.IsDeadLetter = true
}

// ErrorMessage returns the last error's message, or "" when none.
func (e *Envelope) ErrorMessage() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Fresh returns a new envelope for the same event with retry state reset.
// CreatedAt is preserved so the original failure time is not lost.
func (e *Envelope) Fresh() *Envelope {
	return &Envelope{
		Event:     e.Event,
		Handler:   e.Handler,
		CreatedAt: e.CreatedAt,
	}
}

// Clone returns a copy that does not share the error slice or timestamp.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Errors != nil {
		c.Errors = append([]error(nil), e.Errors...)
	}
	if e.LastAttempt != nil {
		ts := *e.LastAttempt
		c.LastAttempt = &ts
	}
	return &c
}

package event

import (
	"encoding/json"
	"fmt"
)

// PayloadAs extracts the payload of evt as T.
//
// A payload that is already a T is returned directly. JSON-shaped payloads
// (for example events read back from a durable store) are converted through
// a JSON round trip. Anything else yields a *HandlerValidationError.
func PayloadAs[T any](evt DomainEvent) (T, error) {
	var payload T

	switch d := evt.Payload().(type) {
	case T:
		return d, nil
	case map[string]any, []any, json.RawMessage:
		raw, err := json.Marshal(d)
		if err != nil {
			return payload, &HandlerValidationError{
				Event: evt,
				Err:   fmt.Errorf("marshal event payload: %w", err),
			}
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return payload, &HandlerValidationError{
				Event: evt,
				Err:   fmt.Errorf("decode event payload as %T: %w", payload, err),
			}
		}
		return payload, nil
	default:
		return payload, &HandlerValidationError{
			Event: evt,
			Err:   fmt.Errorf("unexpected payload type %T, want %T", evt.Payload(), payload),
		}
	}
}

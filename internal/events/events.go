// Package events defines the engine's event record and the bounded event
// store with correlation queries.
package events

import "time"

// Event is an immutable record on the engine's event log.
type Event struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     int64          `json:"timestamp"`
	Source        string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	CausationID   string         `json:"causationId,omitempty"`

	// Context carries caller-supplied variables, resolvable in conditions
	// and actions as `context.NAME`. It is not part of the event document.
	Context map[string]any `json:"context,omitempty"`
}

// Doc returns the event as an open document for reference resolution
// (paths like "event.data.amount" or "event.topic").
func (e *Event) Doc() map[string]any {
	return map[string]any{
		"id":            e.ID,
		"topic":         e.Topic,
		"data":          e.Data,
		"timestamp":     e.Timestamp,
		"source":        e.Source,
		"correlationId": e.CorrelationID,
		"causationId":   e.CausationID,
	}
}

// Age returns the event's age relative to now.
func (e *Event) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}

package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wildcard subscribes to every topic.
const Wildcard = "*"

// Standard topics.
const (
	TopicProducts   = "products:changed"
	TopicCategories = "categories:changed"
	TopicCustomers  = "customers:changed"
	TopicShifts     = "shifts:changed"
	TopicSettings   = "settings:changed"
	TopicInvoices   = "invoices:changed"
	TopicUsers      = "users:changed"
	TopicImported   = "data:imported"
	TopicBackedUp   = "data:backed-up"
)

// StandardTopics lists the topics the register publishes.
var StandardTopics = []string{
	TopicProducts, TopicCategories, TopicCustomers, TopicShifts, TopicSettings,
	TopicInvoices, TopicUsers, TopicImported, TopicBackedUp,
}

// Event is one published domain event. Events are immutable once
// published; every handler receives its own copy of the payload.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Origin    string          `json:"origin"`
	Seq       int64           `json:"seq"`

	// Remote is true when the event was received from a sibling process.
	Remote bool `json:"-"`
	// Via names the transport a remote event arrived on.
	Via string `json:"-"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s: decode payload: %w", e.ID, err)
	}
	return nil
}

// Before reports whether e happened before o in the total order used for
// conflict resolution: Lamport Seq, then Timestamp, then Origin.
func (e Event) Before(o Event) bool {
	if e.Seq != o.Seq {
		return e.Seq < o.Seq
	}
	if !e.Timestamp.Equal(o.Timestamp) {
		return e.Timestamp.Before(o.Timestamp)
	}
	return e.Origin < o.Origin
}

// clone copies the payload so receivers cannot alter each other's view.
func (e Event) clone() Event {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

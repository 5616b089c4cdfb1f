package domain

import (
	"fmt"
	"time"
)

// EventKind classifies a fail2ban log line
type EventKind string

const (
	KindBan   EventKind = "ban"
	KindUnban EventKind = "unban"
	KindFound EventKind = "found" // failed attempt detected by a filter
)

// Valid reports whether the kind is one of the known event kinds
func (k EventKind) Valid() bool {
	switch k {
	case KindBan, KindUnban, KindFound:
		return true
	}
	return false
}

// Event is a single ban, unban or failed-attempt record parsed from the log
type Event struct {
	Kind       EventKind `json:"kind"`
	Subject    string    `json:"subject"`        // IP address or network, may be empty for found
	Jail       string    `json:"jail,omitempty"` // e.g. "sshd"
	OccurredAt time.Time `json:"occurred_at"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s %s [%s]", e.OccurredAt.Format(time.DateTime), e.Kind, e.Subject, e.Jail)
}

// ReportWindow is the half-open interval [Start, End) covered by one report
type ReportWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the length of the window
func (w ReportWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Snapshot is the content of the cache handed to a report tick.
// It stays persisted as in-flight until the report is delivered.
type Snapshot struct {
	ID     string       `json:"id"`
	Window ReportWindow `json:"window"`
	Events []Event      `json:"events"`
}

// CacheState is the durable content of the event cache
type CacheState struct {
	AccumulatedSince time.Time
	Events           []Event
	InFlight         *Snapshot
}

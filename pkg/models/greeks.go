package models

import (
	"fmt"
	"time"
)

type OptionRight string

const (
	RightCall OptionRight = "C"
	RightPut  OptionRight = "P"
)

// OptionIdentity uniquely identifies one option contract across the live
// feed and the cache. All fields participate in the cache key.
type OptionIdentity struct {
	Symbol   string
	Expiry   string // YYYYMMDD
	Strike   float64
	Right    OptionRight
	Exchange string
	Currency string
}

// Key returns the stable string form used to key fetch outcomes and
// persisted cache records.
func (id OptionIdentity) Key() string {
	return fmt.Sprintf("%s_%g_%s_%s_%s_%s", id.Symbol, id.Strike, id.Expiry, id.Right, id.Exchange, id.Currency)
}

func (id OptionIdentity) String() string {
	return fmt.Sprintf("%s %s %g%s", id.Symbol, id.Expiry, id.Strike, id.Right)
}

type GreeksSource string

const (
	SourceLive  GreeksSource = "live"
	SourceCache GreeksSource = "cache"
)

// GreeksSnapshot is one observation of an option's risk sensitivities.
// CapturedAt is the time the values were received from the feed, not the
// time they were written to the cache.
type GreeksSnapshot struct {
	Identity   OptionIdentity `json:"identity"`
	Delta      float64        `json:"delta"`
	Gamma      float64        `json:"gamma"`
	Theta      float64        `json:"theta"`
	Vega       float64        `json:"vega"`
	CapturedAt time.Time      `json:"captured_at"`
	Source     GreeksSource   `json:"source"`
}

// Age reports how old the snapshot is relative to now.
func (s GreeksSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeFailed    OutcomeKind = "failed"
)

// FetchOutcome is the terminal result of one fetch attempt for one
// identity. Snapshot is set only when Kind is OutcomeSucceeded; Err only
// when Kind is OutcomeFailed.
type FetchOutcome struct {
	Kind     OutcomeKind
	Snapshot *GreeksSnapshot
	Err      error
}

// GreeksEvent is one asynchronous delivery from the upstream feed. A
// non-nil Err marks an explicit rejection for that identity.
type GreeksEvent struct {
	Identity OptionIdentity
	Delta    float64
	Gamma    float64
	Theta    float64
	Vega     float64
	At       time.Time
	Err      error
}

package greeks

import (
	"context"
	"fmt"
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus"
)

// Status is the provenance tier of one reconciled entry.
type Status string

const (
	StatusLive    Status = "live"
	StatusCache   Status = "cache"
	StatusMissing Status = "missing"
)

// Entry is the reconciled result for one option identity. Snapshot is
// nil when Status is StatusMissing; a missing identity is reported, not
// zero-filled and not omitted.
type Entry struct {
	Identity models.OptionIdentity
	Snapshot *models.GreeksSnapshot
	Status   Status
}

// Result is one authoritative Greeks set for the current position list,
// keyed by identity.
type Result struct {
	Entries     map[string]Entry
	Live        int
	Cached      int
	Missing     int
	Degraded    bool
	CompletedAt time.Time
}

// Lookup returns the reconciled snapshot for id, if one exists.
func (r *Result) Lookup(id models.OptionIdentity) (models.GreeksSnapshot, bool) {
	entry, ok := r.Entries[id.Key()]
	if !ok || entry.Snapshot == nil {
		return models.GreeksSnapshot{}, false
	}
	return *entry.Snapshot, true
}

// Acquirer is the fetch boundary the reconciler drives. *Fetcher is the
// production implementation.
type Acquirer interface {
	Fetch(ctx context.Context, ids []models.OptionIdentity) map[string]models.FetchOutcome
}

// Reconciler merges live fetch results with cached fallback to produce
// one Greeks set per reconciliation pass, and persists every live
// observation for future fallback.
type Reconciler struct {
	fetcher Acquirer
	store   Store
	logger  *logrus.Logger
	now     func() time.Time
}

func NewReconciler(fetcher Acquirer, store Store, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		fetcher: fetcher,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes one reconciliation pass for the given position list.
// Fetch failures and cache corruption degrade to cache fallback or
// explicit Missing entries; the only fatal error is failing to persist
// newly observed live data, since losing it would quietly degrade future
// fallback quality.
func (r *Reconciler) Run(ctx context.Context, positions []models.Position) (*Result, error) {
	ids := optionIdentities(positions)

	result := &Result{Entries: make(map[string]Entry, len(ids))}
	if len(ids) == 0 {
		result.CompletedAt = r.now()
		r.logger.Info("No option positions, nothing to reconcile")
		return result, nil
	}

	r.logger.WithField("options", len(ids)).Info("Reconciling Greeks for option positions")
	outcomes := r.fetcher.Fetch(ctx, ids)

	for _, id := range ids {
		key := id.Key()
		out := outcomes[key]

		if out.Kind == models.OutcomeSucceeded && out.Snapshot != nil {
			snap := *out.Snapshot
			result.Entries[key] = Entry{Identity: id, Snapshot: &snap, Status: StatusLive}
			result.Live++
			if err := r.store.Put(snap); err != nil {
				r.logger.WithError(err).WithField("option", id.String()).Warn("Skipping cache write")
			}
			continue
		}

		if cached, ok := r.store.Get(id); ok {
			snap := cached
			snap.Source = models.SourceCache
			result.Entries[key] = Entry{Identity: id, Snapshot: &snap, Status: StatusCache}
			result.Cached++
			continue
		}

		result.Entries[key] = Entry{Identity: id, Status: StatusMissing}
		result.Missing++
	}

	if result.Live > 0 {
		if err := r.store.Flush(); err != nil {
			return nil, fmt.Errorf("persisting reconciled greeks: %w", err)
		}
	}

	result.Degraded = result.Live == 0
	result.CompletedAt = r.now()
	r.logSummary(result)
	return result, nil
}

func (r *Reconciler) logSummary(result *Result) {
	for _, entry := range result.Entries {
		fields := logrus.Fields{
			"option": entry.Identity.String(),
			"status": string(entry.Status),
		}
		if entry.Snapshot != nil {
			fields["delta"] = entry.Snapshot.Delta
			if entry.Status == StatusCache {
				fields["age"] = entry.Snapshot.Age(r.now()).Round(time.Minute).String()
			}
		}
		r.logger.WithFields(fields).Info("Reconciled option")
	}

	summary := r.logger.WithFields(logrus.Fields{
		"live":    result.Live,
		"cache":   result.Cached,
		"missing": result.Missing,
	})
	if result.Degraded {
		summary.Warn("Reconciliation pass degraded: no live Greeks received")
	} else {
		summary.Info("Reconciliation pass complete")
	}
}

// optionIdentities extracts the distinct option identities held in the
// position list; non-option positions carry no Greeks and are excluded.
func optionIdentities(positions []models.Position) []models.OptionIdentity {
	seen := make(map[string]bool)
	ids := make([]models.OptionIdentity, 0)
	for _, pos := range positions {
		id, ok := pos.OptionIdentity()
		if !ok || seen[id.Key()] {
			continue
		}
		seen[id.Key()] = true
		ids = append(ids, id)
	}
	return ids
}

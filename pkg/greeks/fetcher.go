package greeks

import (
	"context"
	"errors"
	"time"

	"github.com/quantdesk/portfolio-greeks/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrFeedClosed marks outcomes finalized because the upstream feed shut
// down mid-pass.
var ErrFeedClosed = errors.New("greeks feed closed")

// Feed is the upstream live-data boundary. Responses arrive
// asynchronously on Events with no per-identity ordering guarantee; an
// event with a non-nil Err is an explicit rejection for that identity.
type Feed interface {
	Subscribe(ctx context.Context, id models.OptionIdentity) error
	Unsubscribe(id models.OptionIdentity) error
	Events() <-chan models.GreeksEvent
}

type FetcherConfig struct {
	// PrimaryWait bounds the first acquisition pass.
	PrimaryWait time.Duration
	// RetryWait bounds the single retry pass over identities left
	// TimedOut or Failed by the primary pass. Zero disables the retry.
	RetryWait time.Duration
	// SubscribeRate paces subscription requests; the gateway throttles
	// market-data requests and rejects bursts.
	SubscribeRate rate.Limit
	SubscribeBurst int
}

const (
	DefaultPrimaryWait    = 15 * time.Second
	DefaultRetryWait      = 20 * time.Second
	DefaultSubscribeRate  = rate.Limit(10)
	DefaultSubscribeBurst = 5
)

// Fetcher acquires Greeks for a set of option identities from the live
// feed within a bounded time budget. Partial completion is a normal
// outcome: identities without a terminal response when the budget
// elapses are reported TimedOut, and every subscription is cleaned up on
// every exit path.
type Fetcher struct {
	feed    Feed
	cfg     FetcherConfig
	limiter *rate.Limiter
	logger  *logrus.Logger
	now     func() time.Time
}

func NewFetcher(feed Feed, cfg FetcherConfig, logger *logrus.Logger) *Fetcher {
	if cfg.PrimaryWait <= 0 {
		cfg.PrimaryWait = DefaultPrimaryWait
	}
	if cfg.SubscribeRate <= 0 {
		cfg.SubscribeRate = DefaultSubscribeRate
	}
	if cfg.SubscribeBurst <= 0 {
		cfg.SubscribeBurst = DefaultSubscribeBurst
	}
	return &Fetcher{
		feed:    feed,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.SubscribeRate, cfg.SubscribeBurst),
		logger:  logger,
		now:     time.Now,
	}
}

// Fetch runs the primary acquisition pass and, if any identities are
// left without a live snapshot, one bounded retry pass over just that
// residual subset. The retry is a fixed single pass: the upstream is
// rate limited, so repeated attempts do not improve the odds.
func (f *Fetcher) Fetch(ctx context.Context, ids []models.OptionIdentity) map[string]models.FetchOutcome {
	outcomes := f.acquire(ctx, ids, f.cfg.PrimaryWait)

	residual := make([]models.OptionIdentity, 0)
	for _, id := range ids {
		if out := outcomes[id.Key()]; out.Kind != models.OutcomeSucceeded {
			residual = append(residual, id)
		}
	}

	if len(residual) > 0 && f.cfg.RetryWait > 0 && ctx.Err() == nil {
		f.logger.WithFields(logrus.Fields{
			"residual": len(residual),
			"budget":   f.cfg.RetryWait.String(),
		}).Info("Retrying Greeks fetch for unresolved options")

		for key, out := range f.acquire(ctx, residual, f.cfg.RetryWait) {
			if out.Kind == models.OutcomeSucceeded {
				outcomes[key] = out
			}
		}
	}

	succeeded := 0
	for _, out := range outcomes {
		if out.Kind == models.OutcomeSucceeded {
			succeeded++
		}
	}
	f.logger.WithFields(logrus.Fields{
		"requested": len(ids),
		"succeeded": succeeded,
	}).Info("Greeks fetch complete")

	return outcomes
}

// acquire is one pass: subscribe everything, wait for terminal outcomes
// until the budget elapses, then unsubscribe everything that was
// subscribed.
func (f *Fetcher) acquire(ctx context.Context, ids []models.OptionIdentity, budget time.Duration) map[string]models.FetchOutcome {
	outcomes := make(map[string]models.FetchOutcome, len(ids))
	pending := make(map[string]models.OptionIdentity, len(ids))

	subscribed := make([]models.OptionIdentity, 0, len(ids))
	defer func() {
		for _, id := range subscribed {
			if err := f.feed.Unsubscribe(id); err != nil {
				f.logger.WithError(err).WithField("option", id.String()).Warn("Failed to unsubscribe")
			}
		}
	}()

	for _, id := range ids {
		if err := f.limiter.Wait(ctx); err != nil {
			outcomes[id.Key()] = models.FetchOutcome{Kind: models.OutcomeTimedOut}
			continue
		}
		if err := f.feed.Subscribe(ctx, id); err != nil {
			f.logger.WithError(err).WithField("option", id.String()).Warn("Subscription rejected")
			outcomes[id.Key()] = models.FetchOutcome{Kind: models.OutcomeFailed, Err: err}
			continue
		}
		subscribed = append(subscribed, id)
		pending[id.Key()] = id
	}

	deadline := time.NewTimer(budget)
	defer deadline.Stop()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			f.markTimedOut(outcomes, pending)
			return outcomes

		case <-deadline.C:
			f.markTimedOut(outcomes, pending)
			return outcomes

		case ev, ok := <-f.feed.Events():
			if !ok {
				// Feed is gone entirely; nothing further will arrive.
				for key := range pending {
					outcomes[key] = models.FetchOutcome{Kind: models.OutcomeFailed, Err: ErrFeedClosed}
					delete(pending, key)
				}
				return outcomes
			}

			key := ev.Identity.Key()
			if _, want := pending[key]; !want {
				continue
			}
			delete(pending, key)

			if ev.Err != nil {
				outcomes[key] = models.FetchOutcome{Kind: models.OutcomeFailed, Err: ev.Err}
				continue
			}

			at := ev.At
			if at.IsZero() {
				at = f.now()
			}
			outcomes[key] = models.FetchOutcome{
				Kind: models.OutcomeSucceeded,
				Snapshot: &models.GreeksSnapshot{
					Identity:   ev.Identity,
					Delta:      ev.Delta,
					Gamma:      ev.Gamma,
					Theta:      ev.Theta,
					Vega:       ev.Vega,
					CapturedAt: at,
					Source:     models.SourceLive,
				},
			}
		}
	}

	return outcomes
}

func (f *Fetcher) markTimedOut(outcomes map[string]models.FetchOutcome, pending map[string]models.OptionIdentity) {
	for key, id := range pending {
		f.logger.WithField("option", id.String()).Debug("No Greeks before budget expiry")
		outcomes[key] = models.FetchOutcome{Kind: models.OutcomeTimedOut}
	}
}

package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/lottery_layer/internal/app/domain/pricefeed"
	"github.com/R3E-Network/lottery_layer/internal/app/system"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

var _ system.Service = (*Refresher)(nil)

// Refresher periodically fetches the external price and reports it to the
// aggregator.
type Refresher struct {
	aggregator *Aggregator
	log        *logger.Logger
	interval   time.Duration
	fetcher    Fetcher

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	last    pricefeed.Snapshot
}

// NewRefresher creates a lifecycle-managed price refresher.
func NewRefresher(aggregator *Aggregator, interval time.Duration, log *logger.Logger) *Refresher {
	if log == nil {
		log = logger.NewDefault("pricefeed-runner")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Refresher{
		aggregator: aggregator,
		log:        log,
		interval:   interval,
	}
}

// WithFetcher assigns the fetcher used to retrieve external prices.
func (r *Refresher) WithFetcher(fetcher Fetcher) {
	r.mu.Lock()
	r.fetcher = fetcher
	r.mu.Unlock()
}

// LastSnapshot returns the most recently reported fetch.
func (r *Refresher) LastSnapshot() pricefeed.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Refresher) Name() string { return "pricefeed-refresher" }

func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.Refresh(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.Refresh(runCtx)
			}
		}
	}()

	r.log.WithField("interval", r.interval.String()).Info("price feed refresher started")
	return nil
}

func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("price feed refresher stopped")
	return nil
}

// Refresh performs a single fetch-and-report cycle. It reports whether a new
// answer was pushed to the aggregator.
func (r *Refresher) Refresh(ctx context.Context) bool {
	if r.aggregator == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r.mu.Lock()
	fetcher := r.fetcher
	r.mu.Unlock()
	if fetcher == nil {
		return false
	}

	feed := r.aggregator.Feed()
	price, source, err := fetcher.Fetch(ctx, feed)
	if err != nil {
		r.log.WithError(err).WithField("pair", feed.Pair).Warn("price fetch failed")
		return false
	}
	answer, err := ScalePrice(price, r.aggregator.Decimals())
	if err != nil || answer.Sign() <= 0 {
		r.log.WithField("pair", feed.Pair).
			WithField("price", price).
			Warn("rejecting non-positive price")
		return false
	}

	rd := r.aggregator.UpdateAnswer(answer)

	r.mu.Lock()
	r.last = pricefeed.Snapshot{Pair: feed.Pair, Price: price, Source: source, CollectedAt: rd.UpdatedAt}
	r.mu.Unlock()
	return true
}

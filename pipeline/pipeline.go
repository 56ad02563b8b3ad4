// Package pipeline runs the fetch, extract, persist, match and notify cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"carwatch/extract"
	"carwatch/match"
	"carwatch/pkg/carwatch"
)

// Fetcher retrieves a listing page.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) ([]byte, error)
}

// Listings persists candidates.
type Listings interface {
	UpsertListing(ctx context.Context, c *carwatch.Candidate) (*carwatch.Listing, bool, error)
}

// Filters is the source of active filter specs.
type Filters interface {
	ActiveFilters(ctx context.Context) ([]*carwatch.FilterSpec, error)
}

// Ledger records delivered notifications. RecordNotified must be an atomic
// insert-if-absent returning carwatch.ErrAlreadyNotified on duplicates.
type Ledger interface {
	WasNotified(ctx context.Context, user, listingID, filterID string) (bool, error)
	RecordNotified(ctx context.Context, rec *carwatch.NotificationRecord) error
}

// Notifier delivers one notification.
type Notifier interface {
	Deliver(ctx context.Context, user string, l *carwatch.Listing, filterName string) error
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	Started        time.Time `json:"started"`
	Duration       string    `json:"duration"`
	PagesFetched   int       `json:"pages_fetched"`
	PagesFailed    int       `json:"pages_failed"`
	Fragments      int       `json:"fragments"`
	Candidates     int       `json:"candidates"`
	NewListings    int       `json:"new_listings"`
	PersistFailed  int       `json:"persist_failed"`
	Matches        int       `json:"matches"`
	Sent           int       `json:"sent"`
	Skipped        int       `json:"skipped"`
	DeliveryFailed int       `json:"delivery_failed"`
	Faults         int       `json:"faults"`
}

// Config holds pipeline collaborators.
type Config struct {
	Fetcher   Fetcher
	Extractor *extract.Extractor
	Listings  Listings
	Filters   Filters
	Ledger    Ledger
	Notifier  Notifier
	Logger    *slog.Logger
	Now       func() time.Time
	PageURLs  []string
	Workers   int
}

// Pipeline runs cycles. Cycles never overlap.
type Pipeline struct {
	fetcher   Fetcher
	extractor *extract.Extractor
	listings  Listings
	filters   Filters
	ledger    Ledger
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time
	pageURLs  []string
	workers   int
	mu        sync.Mutex
}

// New creates a pipeline.
func New(cfg *Config) *Pipeline {
	p := &Pipeline{
		fetcher:   cfg.Fetcher,
		extractor: cfg.Extractor,
		listings:  cfg.Listings,
		filters:   cfg.Filters,
		ledger:    cfg.Ledger,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		now:       cfg.Now,
		pageURLs:  cfg.PageURLs,
		workers:   cfg.Workers,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

// Run executes cycles until ctx is cancelled, waiting interval between the
// end of one cycle and the start of the next. A cycle in progress when ctx is
// cancelled runs to completion.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	p.logger.Info("Pipeline loop starting", "interval", interval.String(), "pages", len(p.pageURLs))
	for {
		if _, err := p.RunCycle(context.WithoutCancel(ctx)); err != nil {
			p.logger.Error("Cycle aborted", "error", err)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("Pipeline loop stopped", "reason", ctx.Err())
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle performs one full pass over the listing pages. Only failing to
// load filters aborts the cycle; every other failure is logged and skipped.
func (p *Pipeline) RunCycle(ctx context.Context) (*CycleStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := &CycleStats{Started: p.now().UTC()}
	start := time.Now()
	defer func() { stats.Duration = time.Since(start).Round(time.Millisecond).String() }()

	filters, err := p.filters.ActiveFilters(ctx)
	if err != nil {
		return stats, fmt.Errorf("load active filters: %w", err)
	}
	p.logger.Info("Cycle starting", "active_filters", len(filters), "pages", len(p.pageURLs))

	pages := p.fetchPages(ctx, stats)

	seen := make(map[string]bool)
	for i, body := range pages {
		if body == nil {
			continue
		}
		fragments, err := extract.ParsePage(body)
		if err != nil {
			p.logger.Warn("Failed to parse page", "url", p.pageURLs[i], "error", err)
			stats.PagesFailed++
			continue
		}
		stats.Fragments += len(fragments)

		observedAt := p.now().UTC()
		for _, frag := range fragments {
			c, ok := p.extractor.Extract(frag, observedAt)
			if !ok {
				continue
			}
			key := c.Source + "\x00" + c.ExternalID
			if seen[key] {
				continue
			}
			seen[key] = true
			stats.Candidates++
			p.processListing(ctx, c, filters, stats)
		}
	}

	p.logger.Info("Cycle completed",
		"duration_ms", time.Since(start).Milliseconds(),
		"pages_fetched", stats.PagesFetched,
		"pages_failed", stats.PagesFailed,
		"fragments", stats.Fragments,
		"candidates", stats.Candidates,
		"new_listings", stats.NewListings,
		"matches", stats.Matches,
		"sent", stats.Sent,
		"skipped", stats.Skipped,
		"delivery_failed", stats.DeliveryFailed,
		"faults", stats.Faults)
	return stats, nil
}

// fetchPages fetches all pages with bounded concurrency. Failed pages are nil.
func (p *Pipeline) fetchPages(ctx context.Context, stats *CycleStats) [][]byte {
	pages := make([][]byte, len(p.pageURLs))
	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, u := range p.pageURLs {
		g.Go(func() error {
			body, err := p.fetcher.Fetch(ctx, u)
			if err != nil {
				p.logger.Warn("Page skipped", "url", u, "page", i+1, "error", err)
				return nil
			}
			pages[i] = body
			return nil
		})
	}
	_ = g.Wait()

	for _, b := range pages {
		if b == nil {
			stats.PagesFailed++
		} else {
			stats.PagesFetched++
		}
	}
	return pages
}

func (p *Pipeline) processListing(ctx context.Context, c *carwatch.Candidate, filters []*carwatch.FilterSpec, stats *CycleStats) {
	defer func() {
		if r := recover(); r != nil {
			stats.Faults++
			p.logger.Error("Listing processing panicked", "external_id", c.ExternalID, "panic", fmt.Sprint(r))
		}
	}()

	l, isNew, err := p.listings.UpsertListing(ctx, c)
	if err != nil {
		stats.PersistFailed++
		p.logger.Warn("Failed to persist listing", "external_id", c.ExternalID, "url", c.URL, "error", err)
		return
	}
	if isNew {
		stats.NewListings++
		p.logger.Info("New listing", "listing_id", l.ID, "title", l.Title, "url", l.URL)
	}

	for _, f := range filters {
		p.processPair(ctx, l, f, stats)
	}
}

func (p *Pipeline) processPair(ctx context.Context, l *carwatch.Listing, f *carwatch.FilterSpec, stats *CycleStats) {
	defer func() {
		if r := recover(); r != nil {
			stats.Faults++
			p.logger.Error("Filter evaluation panicked", "listing_id", l.ID, "filter_id", f.ID, "panic", fmt.Sprint(r))
		}
	}()

	if !match.Matches(l, f) {
		return
	}
	stats.Matches++

	sent, err := p.ledger.WasNotified(ctx, f.Owner, l.ID, f.ID)
	if err != nil {
		stats.DeliveryFailed++
		p.logger.Warn("Ledger check failed", "user", f.Owner, "listing_id", l.ID, "filter_id", f.ID, "error", err)
		return
	}
	if sent {
		stats.Skipped++
		p.logger.Debug("Already notified", "user", f.Owner, "listing_id", l.ID, "filter_id", f.ID)
		return
	}

	if err := p.notifier.Deliver(ctx, f.Owner, l, f.Name); err != nil {
		stats.DeliveryFailed++
		p.logger.Warn("Delivery failed", "user", f.Owner, "listing_id", l.ID, "filter_id", f.ID, "error", err)
		return
	}
	stats.Sent++

	rec := &carwatch.NotificationRecord{User: f.Owner, ListingID: l.ID, FilterID: f.ID, SentAt: p.now().UTC()}
	err = p.ledger.RecordNotified(ctx, rec)
	switch {
	case errors.Is(err, carwatch.ErrAlreadyNotified):
		p.logger.Debug("Ledger entry written concurrently", "user", f.Owner, "listing_id", l.ID, "filter_id", f.ID)
	case err != nil:
		p.logger.Error("Failed to record notification", "user", f.Owner, "listing_id", l.ID, "filter_id", f.ID, "error", err)
	default:
		p.logger.Info("Notification recorded", "user", f.Owner, "listing_id", l.ID, "filter_id", f.ID)
	}
}

package wastecal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type RefresherConfig struct {
	Interval time.Duration
	Weeks    int
	Location *time.Location
	LockKey  string
	LockTTL  time.Duration
}

type RefresherParams struct {
	Store    *Store
	Sync     *Synchronizer
	Holidays HolidayCalendar
	Clock    Clock
	Lock     RefreshLock // optional
	Metrics  *Metrics    // optional
	Log      *zap.Logger
	Config   RefresherConfig
}

// Refresher keeps stored schedules of all subscribed addresses current.
type Refresher struct {
	store    *Store
	sync     *Synchronizer
	holidays HolidayCalendar
	clock    Clock
	lock     RefreshLock
	metrics  *Metrics
	log      *zap.Logger
	cfg      RefresherConfig
}

type RefreshStats struct {
	Addresses   int
	Failed      int
	Empty       int
	Fetched     int
	SkippedPast int
	SkippedHol  int
	Inserted    int
	Updated     int
	Unchanged   int
	Duplicate   int
	LockSkipped bool
}

func (s *RefreshStats) count(res UpsertResult) {
	switch res {
	case UpsertInserted:
		s.Inserted++
	case UpsertUpdated:
		s.Updated++
	case UpsertUnchanged:
		s.Unchanged++
	case UpsertDuplicate:
		s.Duplicate++
	}
}

func NewRefresher(p RefresherParams) (*Refresher, error) {
	if p.Store == nil || p.Sync == nil {
		return nil, fmt.Errorf("%w: refresher needs store and synchronizer", ErrInvalidConfig)
	}
	cfg := p.Config
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Weeks <= 0 {
		cfg.Weeks = 6
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "dumpdate:refresh"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if p.Clock == nil {
		p.Clock = SystemClock
	}
	if p.Holidays == nil {
		h, err := NewGermanHolidays("SN")
		if err != nil {
			return nil, err
		}
		p.Holidays = h
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	return &Refresher{
		store:    p.Store,
		sync:     p.Sync,
		holidays: p.Holidays,
		clock:    p.Clock,
		lock:     p.Lock,
		metrics:  p.Metrics,
		log:      p.Log.Named("refresh"),
		cfg:      cfg,
	}, nil
}

func (r *Refresher) today() time.Time {
	return dayOf(r.clock.Now().In(r.cfg.Location))
}

// Run refreshes once immediately and then every Interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.log.Info("schedule refresh loop started", zap.Duration("interval", r.cfg.Interval))
	for {
		if _, err := r.RefreshAll(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("schedule refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.log.Info("schedule refresh loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RefreshAll re-synchronizes every subscribed address. A failing feed is logged and
// skipped; a store failure ends the pass.
func (r *Refresher) RefreshAll(ctx context.Context) (RefreshStats, error) {
	start := time.Now()
	var stats RefreshStats
	defer func() { r.metrics.ObserveRefresh(time.Since(start)) }()

	if r.lock != nil {
		token, ok, err := r.lock.TryLock(ctx, r.cfg.LockKey, r.cfg.LockTTL)
		if err != nil {
			return stats, fmt.Errorf("acquire refresh lock: %w", err)
		}
		if !ok {
			r.log.Info("refresh skipped, another instance holds the lock", zap.String("key", r.cfg.LockKey))
			stats.LockSkipped = true
			return stats, nil
		}
		defer func() {
			if err := r.lock.Release(context.WithoutCancel(ctx), r.cfg.LockKey, token); err != nil {
				r.log.Warn("release refresh lock", zap.Error(err))
			}
		}()
	}

	addresses, err := r.store.ListDistinctSubscribedAddresses(ctx)
	if err != nil {
		return stats, err
	}
	if len(addresses) == 0 {
		r.log.Info("no subscribed addresses, nothing to refresh")
		return stats, nil
	}

	today := r.today()
	end := today.AddDate(0, 0, 7*r.cfg.Weeks)
	r.log.Info("refresh started",
		zap.Int("addresses", len(addresses)),
		zap.String("from", FormatDate(today)),
		zap.String("to", FormatDate(end)),
	)

	for _, addr := range addresses {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Addresses++
		err := r.syncAddress(ctx, addr, today, end, &stats)
		if err == nil {
			continue
		}
		var se *StoreError
		switch {
		case errors.As(err, &se):
			r.metrics.IncRefreshAddress("store_error")
			return stats, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return stats, err
		default:
			stats.Failed++
			r.metrics.IncRefreshAddress("failed")
			r.log.Error("refresh address failed",
				zap.Int64("address_key", addr.AddressKey),
				zap.String("address", addr.Label),
				zap.Error(err),
			)
		}
	}

	r.log.Info("refresh done",
		zap.Int("addresses", stats.Addresses),
		zap.Int("failed", stats.Failed),
		zap.Int("empty", stats.Empty),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("duplicate", stats.Duplicate),
		zap.Int("skipped_past", stats.SkippedPast),
		zap.Int("skipped_holiday", stats.SkippedHol),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stats, nil
}

// SyncAddress fetches one address up to end and stores its events. Used when a new
// subscription is created; errors are returned to the caller unchanged.
func (r *Refresher) SyncAddress(ctx context.Context, addressKey int64, label string, end time.Time) (RefreshStats, error) {
	var stats RefreshStats
	stats.Addresses = 1
	err := r.syncAddress(ctx, SubscribedAddress{AddressKey: addressKey, Label: label}, r.today(), end, &stats)
	return stats, err
}

func (r *Refresher) syncAddress(ctx context.Context, addr SubscribedAddress, today time.Time, end time.Time, stats *RefreshStats) error {
	events, err := r.sync.DownloadAndParse(ctx, addr.AddressKey, today, end, addr.Label)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		stats.Empty++
		r.metrics.IncRefreshAddress("empty")
		r.log.Warn("feed returned no events, maybe a holiday gap",
			zap.Int64("address_key", addr.AddressKey),
			zap.String("address", addr.Label),
		)
		return nil
	}
	stats.Fetched += len(events)

	valid := r.filterEvents(events, today, stats)

	// Writes of an address in flight complete even if shutdown was requested.
	writeCtx := context.WithoutCancel(ctx)
	for _, ev := range valid {
		res, err := r.store.UpsertEvent(writeCtx, ev)
		if err != nil {
			return err
		}
		stats.count(res)
		r.metrics.IncUpsert(res)
		r.log.Debug("event stored",
			zap.Int64("address_key", ev.AddressKey),
			zap.String("uid", ev.ExternalID),
			zap.String("date", ev.Date),
			zap.String("waste_type", ev.WasteType),
			zap.Stringer("result", res),
		)
	}
	r.metrics.IncRefreshAddress("ok")
	return nil
}

// filterEvents drops dates before today and public holidays.
func (r *Refresher) filterEvents(events []EventRecord, today time.Time, stats *RefreshStats) []EventRecord {
	out := make([]EventRecord, 0, len(events))
	for _, ev := range events {
		d, err := ParseDate(ev.Date)
		if err != nil {
			r.log.Warn("dropping event with invalid date", zap.String("uid", ev.ExternalID), zap.String("date", ev.Date))
			continue
		}
		if d.Before(today) {
			stats.SkippedPast++
			continue
		}
		if r.holidays.IsHoliday(d) {
			stats.SkippedHol++
			r.log.Debug("dropping event on public holiday", zap.String("uid", ev.ExternalID), zap.String("date", ev.Date))
			continue
		}
		out = append(out, ev)
	}
	return out
}

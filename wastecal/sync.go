package wastecal

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type SynchronizerConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Synchronizer is the retry boundary for fetch+parse of one address.
type Synchronizer struct {
	fetcher Fetcher
	parser  *FeedParser
	cfg     SynchronizerConfig
	log     *zap.Logger
}

func NewSynchronizer(fetcher Fetcher, parser *FeedParser, cfg SynchronizerConfig, log *zap.Logger) *Synchronizer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	if parser == nil {
		parser = NewFeedParser(log)
	}
	return &Synchronizer{fetcher: fetcher, parser: parser, cfg: cfg, log: log.Named("sync")}
}

// DownloadAndParse retries on *DownloadError and *ParsingError and returns the last
// failure once MaxRetries attempts are used up.
func (s *Synchronizer) DownloadAndParse(ctx context.Context, addressKey int64, start time.Time, end time.Time, addressLabel string) ([]EventRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		events, err := s.attempt(ctx, addressKey, start, end, addressLabel)
		if err == nil {
			return events, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		s.log.Warn("feed attempt failed",
			zap.Int64("address_key", addressKey),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", s.cfg.MaxRetries),
			zap.Error(err),
		)
		if attempt == s.cfg.MaxRetries {
			break
		}
		if err := sleepCtx(ctx, s.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}
	s.log.Error("all feed attempts failed",
		zap.Int64("address_key", addressKey),
		zap.Int("max_retries", s.cfg.MaxRetries),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

func (s *Synchronizer) attempt(ctx context.Context, addressKey int64, start time.Time, end time.Time, addressLabel string) ([]EventRecord, error) {
	doc, err := s.fetcher.Fetch(ctx, addressKey, start, end)
	if err != nil {
		return nil, err
	}
	return s.parser.Parse(doc, addressLabel, addressKey)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

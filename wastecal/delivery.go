package wastecal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type DelivererConfig struct {
	Interval   time.Duration
	ChunkSize  int
	ChunkPause time.Duration
}

type DelivererParams struct {
	Store     *Store
	Evaluator *Evaluator
	Transport Transport
	Metrics   *Metrics // optional
	Log       *zap.Logger
	Config    DelivererConfig
}

// Deliverer sends due notifications and advances the per-subscription cursor.
type Deliverer struct {
	store     *Store
	evaluator *Evaluator
	transport Transport
	metrics   *Metrics
	log       *zap.Logger
	cfg       DelivererConfig
}

type DeliveryStats struct {
	Due     int
	Sent    int
	Failed  int
	Skipped int // no pending log could be written
	Chunks  int
}

type sendResult struct {
	task  NotificationTask
	logID uint
	err   error
}

func NewDeliverer(p DelivererParams) (*Deliverer, error) {
	if p.Store == nil || p.Evaluator == nil || p.Transport == nil {
		return nil, fmt.Errorf("%w: deliverer needs store, evaluator and transport", ErrInvalidConfig)
	}
	cfg := p.Config
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 30
	}
	if cfg.ChunkPause < 0 {
		cfg.ChunkPause = 0
	}
	if p.Log == nil {
		p.Log = zap.NewNop()
	}
	return &Deliverer{
		store:     p.Store,
		evaluator: p.Evaluator,
		transport: p.Transport,
		metrics:   p.Metrics,
		log:       p.Log.Named("delivery"),
		cfg:       cfg,
	}, nil
}

// Run delivers once immediately and then every Interval until ctx is done.
func (d *Deliverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	d.log.Info("notification loop started", zap.Duration("interval", d.cfg.Interval))
	for {
		if _, err := d.DeliverOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("notification pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.log.Info("notification loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// DeliverOnce sends everything that is due now. Send failures are recorded in the
// notification log and retried on the next pass; they never fail the pass.
func (d *Deliverer) DeliverOnce(ctx context.Context) (DeliveryStats, error) {
	start := time.Now()
	var stats DeliveryStats
	defer func() { d.metrics.ObserveDelivery(time.Since(start)) }()

	tasks, err := d.evaluator.DueNotifications(ctx)
	if err != nil {
		return stats, err
	}
	stats.Due = len(tasks)
	if len(tasks) == 0 {
		d.log.Debug("no notifications due")
		return stats, nil
	}
	d.log.Info("notifications due", zap.Int("count", len(tasks)))

	var runErr error
	for i := 0; i < len(tasks); i += d.cfg.ChunkSize {
		if i > 0 {
			if err := sleepCtx(ctx, d.cfg.ChunkPause); err != nil {
				return stats, errors.Join(runErr, err)
			}
		}
		end := min(i+d.cfg.ChunkSize, len(tasks))
		stats.Chunks++
		// A started chunk finishes its log writes even during shutdown.
		runErr = errors.Join(runErr, d.deliverChunk(context.WithoutCancel(ctx), tasks[i:end], &stats))
	}

	d.log.Info("notification pass done",
		zap.Int("due", stats.Due),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stats, runErr
}

func (d *Deliverer) deliverChunk(ctx context.Context, chunk []NotificationTask, stats *DeliveryStats) error {
	var storeErrs error
	results := make([]sendResult, 0, len(chunk))
	for _, task := range chunk {
		logID, err := d.store.RecordNotificationLog(ctx, task.SubscriptionID, LogPending)
		if err != nil {
			stats.Skipped++
			storeErrs = errors.Join(storeErrs, err)
			d.log.Error("cannot record pending notification, skipping",
				zap.Uint("subscription_id", task.SubscriptionID),
				zap.Error(err),
			)
			continue
		}
		results = append(results, sendResult{task: task, logID: logID})
	}

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(r *sendResult) {
			defer wg.Done()
			r.err = d.send(ctx, r.task)
		}(&results[i])
	}
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			stats.Failed++
			d.metrics.IncNotification(LogFailure)
			d.log.Error("notification send failed",
				zap.Int64("chat_id", r.task.ChatID),
				zap.Uint("subscription_id", r.task.SubscriptionID),
				zap.String("collection_date", r.task.CollectionDate),
				zap.Error(r.err),
			)
			if err := d.store.UpdateNotificationLog(ctx, r.logID, LogFailure, r.err.Error()); err != nil {
				storeErrs = errors.Join(storeErrs, err)
			}
			continue
		}
		if err := d.store.MarkDelivered(ctx, r.logID, r.task.SubscriptionID, r.task.CollectionDate); err != nil {
			// Sent but cursor not advanced: the message may be repeated next pass.
			storeErrs = errors.Join(storeErrs, err)
			d.log.Error("notification sent but cursor not updated",
				zap.Uint("subscription_id", r.task.SubscriptionID),
				zap.Error(err),
			)
			continue
		}
		stats.Sent++
		d.metrics.IncNotification(LogSuccess)
		d.log.Info("notification sent",
			zap.Int64("chat_id", r.task.ChatID),
			zap.Uint("subscription_id", r.task.SubscriptionID),
			zap.String("collection_date", r.task.CollectionDate),
		)
	}
	return storeErrs
}

// send turns a transport panic into an error so siblings keep running.
func (d *Deliverer) send(ctx context.Context, task NotificationTask) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport panic: %v", p)
		}
	}()
	return d.transport.Send(ctx, task.ChatID, task.Message)
}

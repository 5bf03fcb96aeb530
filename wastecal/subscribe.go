package wastecal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NextPickup pairs an active subscription with its next collection day.
// Events is empty when nothing is scheduled.
type NextPickup struct {
	Subscription Subscription
	Events       []EventRecord
}

// SubscriptionService is the use-case layer the chat UI talks to.
type SubscriptionService struct {
	store     *Store
	refresher *Refresher
	clock     Clock
	loc       *time.Location
	log       *zap.Logger
}

func NewSubscriptionService(store *Store, refresher *Refresher, clock Clock, loc *time.Location, log *zap.Logger) *SubscriptionService {
	if clock == nil {
		clock = SystemClock
	}
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SubscriptionService{store: store, refresher: refresher, clock: clock, loc: loc, log: log.Named("subscriptions")}
}

// Subscribe loads the schedule of the address until the end of the year, then creates
// the subscription or reactivates the existing row. Feed failures are returned as is
// and leave subscriptions untouched.
func (s *SubscriptionService) Subscribe(ctx context.Context, chatID int64, addressKey int64, displayName string, when NotificationTime) (*Subscription, error) {
	if when != NotifyMorning && when != NotifyEvening {
		return nil, fmt.Errorf("invalid notification time %q", when)
	}
	if s.refresher != nil {
		now := s.clock.Now().In(s.loc)
		endOfYear := time.Date(now.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
		if _, err := s.refresher.SyncAddress(ctx, addressKey, displayName, endOfYear); err != nil {
			s.log.Warn("initial schedule sync failed", zap.Int64("chat_id", chatID), zap.Int64("address_key", addressKey), zap.Error(err))
			return nil, err
		}
	}

	existing, err := s.store.FindSubscription(ctx, chatID, addressKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.store.ReactivateSubscription(ctx, existing.ID, displayName, when); err != nil {
			return nil, err
		}
		s.log.Info("subscription reactivated", zap.Uint("id", existing.ID), zap.Int64("chat_id", chatID), zap.Int64("address_key", addressKey))
		return s.store.GetSubscription(ctx, existing.ID)
	}
	sub, err := s.store.CreateSubscription(ctx, chatID, addressKey, displayName, when)
	if err != nil {
		return nil, err
	}
	s.log.Info("subscription created", zap.Uint("id", sub.ID), zap.Int64("chat_id", chatID), zap.Int64("address_key", addressKey))
	return sub, nil
}

func (s *SubscriptionService) Unsubscribe(ctx context.Context, subscriptionID uint) error {
	if err := s.store.DeactivateSubscription(ctx, subscriptionID); err != nil {
		return err
	}
	s.log.Info("subscription deactivated", zap.Uint("id", subscriptionID))
	return nil
}

func (s *SubscriptionService) List(ctx context.Context, chatID int64) ([]Subscription, error) {
	return s.store.ListActiveSubscriptions(ctx, &chatID)
}

// NextPickups reports the next collection day for every active subscription of the chat.
func (s *SubscriptionService) NextPickups(ctx context.Context, chatID int64) ([]NextPickup, error) {
	subs, err := s.store.ListActiveSubscriptions(ctx, &chatID)
	if err != nil {
		return nil, err
	}
	today := FormatDate(s.clock.Now().In(s.loc))
	out := make([]NextPickup, 0, len(subs))
	for _, sub := range subs {
		events, err := s.store.NextPickupDay(ctx, sub.AddressKey, today)
		if err != nil {
			return nil, err
		}
		out = append(out, NextPickup{Subscription: sub, Events: events})
	}
	return out, nil
}

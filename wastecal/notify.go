package wastecal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ClockTime is a time of day used as a notification threshold.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c ClockTime) minutes() int { return c.Hour*60 + c.Minute }

func (c ClockTime) valid() bool {
	return c.Hour >= 0 && c.Hour < 24 && c.Minute >= 0 && c.Minute < 60
}

type EvaluatorConfig struct {
	Evening  ClockTime
	Morning  ClockTime
	Location *time.Location
}

// Evaluator computes which notifications are due right now.
type Evaluator struct {
	store *Store
	clock Clock
	cfg   EvaluatorConfig
	log   *zap.Logger
}

func NewEvaluator(store *Store, clock Clock, cfg EvaluatorConfig, log *zap.Logger) *Evaluator {
	if clock == nil {
		clock = SystemClock
	}
	if cfg.Evening == (ClockTime{}) {
		cfg.Evening = ClockTime{Hour: 19}
	}
	if cfg.Morning == (ClockTime{}) {
		cfg.Morning = ClockTime{Hour: 6}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{store: store, clock: clock, cfg: cfg, log: log.Named("evaluator")}
}

// DueNotifications emits at most one task per subscription and event. It does not
// remember what it emitted; the delivery cursor makes repeated runs harmless.
func (e *Evaluator) DueNotifications(ctx context.Context) ([]NotificationTask, error) {
	now := e.clock.Now().In(e.cfg.Location)
	today := FormatDate(now)
	tomorrow := FormatDate(now.AddDate(0, 0, 1))
	nowMinutes := now.Hour()*60 + now.Minute()

	subs, err := e.store.ListActiveSubscriptions(ctx, nil)
	if err != nil {
		return nil, err
	}

	eventsByAddress := map[int64][]EventRecord{}
	var tasks []NotificationTask
	for _, sub := range subs {
		events, ok := eventsByAddress[sub.AddressKey]
		if !ok {
			events, err = e.store.ListEventsForAddress(ctx, sub.AddressKey, today)
			if err != nil {
				return nil, err
			}
			eventsByAddress[sub.AddressKey] = events
		}

		for _, ev := range events {
			if sub.LastNotified != nil && *sub.LastNotified == ev.Date {
				continue
			}
			var msg string
			switch sub.NotificationTime {
			case NotifyEvening:
				if ev.Date == tomorrow && nowMinutes >= e.cfg.Evening.minutes() {
					msg = FormatMessage(ev.WasteType, true, sub.DisplayName)
				}
			case NotifyMorning:
				if ev.Date == today && nowMinutes >= e.cfg.Morning.minutes() {
					msg = FormatMessage(ev.WasteType, false, sub.DisplayName)
				}
			}
			if msg == "" {
				continue
			}
			tasks = append(tasks, NotificationTask{
				SubscriptionID: sub.ID,
				ChatID:         sub.ChatID,
				Message:        msg,
				CollectionDate: ev.Date,
			})
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].SubscriptionID != tasks[j].SubscriptionID {
			return tasks[i].SubscriptionID < tasks[j].SubscriptionID
		}
		return tasks[i].CollectionDate < tasks[j].CollectionDate
	})
	e.log.Debug("due notifications evaluated",
		zap.Int("subscriptions", len(subs)),
		zap.Int("tasks", len(tasks)),
		zap.Time("now", now),
	)
	return tasks, nil
}

// FormatMessage builds the chat text for one collection.
func FormatMessage(wasteType string, tomorrow bool, displayName string) string {
	var msg string
	if tomorrow {
		msg = fmt.Sprintf("%s %s ist für morgen geplant!", WasteTypeEmoji(wasteType), wasteType)
	} else {
		msg = fmt.Sprintf("%s %s wird heute abgeholt!", WasteTypeEmoji(wasteType), wasteType)
	}
	if name := strings.TrimSpace(displayName); name != "" {
		msg += "\n📍 " + name
	}
	return msg
}

var wasteTypeEmojis = []struct {
	keywords []string
	emoji    string
}{
	{[]string{"bio"}, "🟢"},
	{[]string{"papier"}, "🔵"},
	{[]string{"gelbe", "verpackung"}, "🟡"},
	{[]string{"rest"}, "⚫"},
	{[]string{"weihnachtsbaum"}, "🎄"},
}

func WasteTypeEmoji(wasteType string) string {
	lower := strings.ToLower(wasteType)
	for _, e := range wasteTypeEmojis {
		for _, k := range e.keywords {
			if strings.Contains(lower, k) {
				return e.emoji
			}
		}
	}
	return "🗑️"
}

// ParseNotificationTime accepts the user-facing spellings of the two slots.
func ParseNotificationTime(v string) (NotificationTime, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "morning", "morgens", "morgen", "am":
		return NotifyMorning, nil
	case "evening", "abends", "abend", "pm":
		return NotifyEvening, nil
	default:
		return "", fmt.Errorf("unknown notification time %q (want morning or evening)", v)
	}
}

package wastecal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evaluatorFixture struct {
	store     *Store
	clock     *FakeClock
	evaluator *Evaluator
	loc       *time.Location
}

func newEvaluatorFixture(t *testing.T) *evaluatorFixture {
	t.Helper()
	loc := berlin(t)
	f := &evaluatorFixture{store: newTestStore(t), loc: loc}
	f.clock = NewFakeClock(time.Date(2025, 12, 28, 18, 59, 0, 0, loc))
	f.evaluator = NewEvaluator(f.store, f.clock, EvaluatorConfig{
		Evening:  ClockTime{Hour: 19},
		Morning:  ClockTime{Hour: 6},
		Location: loc,
	}, nil)
	return f
}

func (f *evaluatorFixture) at(hour, minute int, day int) {
	f.clock.Set(time.Date(2025, 12, day, hour, minute, 0, 0, f.loc))
}

func TestDueNotifications_EveningGate(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	_, err := f.store.UpsertEvent(ctx, sampleEvent("bio", "2025-12-29"))
	require.NoError(t, err)
	sub, err := f.store.CreateSubscription(ctx, 100, 4711, "Zuhause", NotifyEvening)
	require.NoError(t, err)

	f.at(18, 59, 28)
	tasks, err := f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks, "before the evening threshold")

	f.at(19, 0, 28)
	tasks, err = f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, NotificationTask{
		SubscriptionID: sub.ID,
		ChatID:         100,
		Message:        "🟢 Bio Tonne ist für morgen geplant!\n📍 Zuhause",
		CollectionDate: "2025-12-29",
	}, tasks[0])

	f.at(7, 0, 29)
	tasks, err = f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks, "evening subscribers are not told on the day itself")
}

func TestDueNotifications_MorningGate(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	ev := sampleEvent("rest", "2025-12-29")
	ev.WasteType = "Rest-Tonne"
	_, err := f.store.UpsertEvent(ctx, ev)
	require.NoError(t, err)
	_, err = f.store.CreateSubscription(ctx, 100, 4711, "", NotifyMorning)
	require.NoError(t, err)

	f.at(20, 0, 28)
	tasks, err := f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	f.at(5, 59, 29)
	tasks, err = f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	f.at(6, 0, 29)
	tasks, err = f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "⚫ Rest-Tonne wird heute abgeholt!", tasks[0].Message)
}

func TestDueNotifications_CursorPreventsRepeat(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	_, err := f.store.UpsertEvent(ctx, sampleEvent("bio", "2025-12-29"))
	require.NoError(t, err)
	sub, err := f.store.CreateSubscription(ctx, 100, 4711, "Zuhause", NotifyEvening)
	require.NoError(t, err)

	f.at(19, 30, 28)
	tasks, err := f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, f.store.UpdateLastNotified(ctx, sub.ID, tasks[0].CollectionDate))
	tasks, err = f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDueNotifications_InactiveAndOtherAddressesIgnored(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	_, err := f.store.UpsertEvent(ctx, sampleEvent("bio", "2025-12-29"))
	require.NoError(t, err)
	inactive, err := f.store.CreateSubscription(ctx, 1, 4711, "", NotifyEvening)
	require.NoError(t, err)
	require.NoError(t, f.store.DeactivateSubscription(ctx, inactive.ID))
	_, err = f.store.CreateSubscription(ctx, 2, 999, "", NotifyEvening)
	require.NoError(t, err)

	f.at(21, 0, 28)
	tasks, err := f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDueNotifications_OneTaskPerEvent(t *testing.T) {
	f := newEvaluatorFixture(t)
	ctx := context.Background()

	bio := sampleEvent("bio", "2025-12-29")
	paper := sampleEvent("paper", "2025-12-29")
	paper.WasteType = "Papier Tonne"
	for _, ev := range []EventRecord{bio, paper} {
		_, err := f.store.UpsertEvent(ctx, ev)
		require.NoError(t, err)
	}
	_, err := f.store.CreateSubscription(ctx, 1, 4711, "", NotifyEvening)
	require.NoError(t, err)
	_, err = f.store.CreateSubscription(ctx, 2, 4711, "", NotifyEvening)
	require.NoError(t, err)

	f.at(19, 0, 28)
	tasks, err := f.evaluator.DueNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	assert.Equal(t, int64(1), tasks[0].ChatID)
	assert.Equal(t, int64(1), tasks[1].ChatID)
	assert.Equal(t, int64(2), tasks[2].ChatID)
}

func TestFormatMessageAndEmoji(t *testing.T) {
	assert.Equal(t, "🔵 Papier Tonne ist für morgen geplant!", FormatMessage("Papier Tonne", true, " "))
	assert.Equal(t, "🎄 Weihnachtsbaum Tonne wird heute abgeholt!\n📍 Oma", FormatMessage("Weihnachtsbaum Tonne", false, "Oma"))
	assert.Equal(t, "🟡", WasteTypeEmoji("Gelbe Tonne"))
	assert.Equal(t, "🗑️", WasteTypeEmoji(UnknownWasteType))
}

func TestParseNotificationTime(t *testing.T) {
	got, err := ParseNotificationTime(" Abends ")
	require.NoError(t, err)
	assert.Equal(t, NotifyEvening, got)

	got, err = ParseNotificationTime("morning")
	require.NoError(t, err)
	assert.Equal(t, NotifyMorning, got)

	_, err = ParseNotificationTime("mittags")
	assert.Error(t, err)
}

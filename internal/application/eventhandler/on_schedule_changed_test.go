package eventhandler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	to   int64
	text string
	kb   *messenger.Keyboard
}

type recordingMessenger struct {
	platform subscription.Platform
	failFor  map[int64]bool

	mu   sync.Mutex
	sent []sentMessage
}

func (m *recordingMessenger) Platform() subscription.Platform { return m.platform }
func (m *recordingMessenger) GetName() string                  { return string(m.platform) }

func (m *recordingMessenger) SendMessage(_ context.Context, to int64, text string, kb *messenger.Keyboard) error {
	if m.failFor[to] {
		return shared.DeliveryError(string(m.platform), "SendMessage", errors.New("bot was blocked by the user"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{to: to, text: text, kb: kb})
	return nil
}

func (m *recordingMessenger) SendLocation(context.Context, int64, float64, float64) error {
	return nil
}

func (m *recordingMessenger) messagesTo(id int64) []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMessage
	for _, s := range m.sent {
		if s.to == id {
			out = append(out, s)
		}
	}
	return out
}

func sept(day int) schedule.Date { return schedule.NewDate(2024, 9, day) }

func groupSnapshot() *schedule.Snapshot {
	lesson := schedule.Lesson{
		Start: "08:30", End: "10:00",
		Type: "лек", Discipline: "Математический анализ",
		Lecturers: []string{"Иванов Иван Иванович"},
		Building:  "Советский, 8", Auditory: "301",
	}
	return &schedule.Snapshot{
		Entity: schedule.Entity{Name: "Group-101", Kind: schedule.KindGroup},
		Range:  schedule.DateRange{From: sept(2), To: sept(8)},
		Days: []schedule.Day{
			{Date: sept(2), Lessons: []schedule.Lesson{lesson}},
			{Date: sept(3), Lessons: []schedule.Lesson{{Start: "12:00", End: "13:30", Discipline: "История", Online: true}}},
		},
	}
}

func TestNotify_SendsDatesInAscendingOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tg := &recordingMessenger{platform: subscription.PlatformTelegram}
	require.NoError(t, store.Add(ctx, "Group-101", subscription.Subscriber{UserID: 1, Platform: subscription.PlatformTelegram}))

	h := NewOnScheduleChangedHandler(store, messenger.NewRegistry(tg), nil, DefaultScheduleChangedConfig())

	report, err := h.Notify(ctx, "Group-101", []schedule.Date{sept(3), sept(2)}, groupSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)
	assert.Zero(t, report.Failed())

	msgs := tg.messagesTo(1)
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[0].text, "Изменения в расписании на 02.09.2024:\n"))
	assert.Contains(t, msgs[0].text, "лек., Математический анализ")
	require.NotNil(t, msgs[0].kb)
	assert.Equal(t, "Советский, 8", msgs[0].kb.Rows[0][0].Payload)

	assert.True(t, strings.HasPrefix(msgs[1].text, "Изменения в расписании на 03.09.2024:\n"))
	assert.Nil(t, msgs[1].kb, "online-only day has no buildings")
}

func TestNotify_DeliveryFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tg := &recordingMessenger{platform: subscription.PlatformTelegram, failFor: map[int64]bool{2: true}}
	vk := &recordingMessenger{platform: subscription.PlatformVK}

	for _, s := range []subscription.Subscriber{
		{UserID: 1, Platform: subscription.PlatformTelegram},
		{UserID: 2, Platform: subscription.PlatformTelegram},
		{UserID: 3, Platform: subscription.PlatformVK},
	} {
		require.NoError(t, store.Add(ctx, "Group-101", s))
	}

	h := NewOnScheduleChangedHandler(store, messenger.NewRegistry(tg, vk), nil, DefaultScheduleChangedConfig())

	report, err := h.Notify(ctx, "Group-101", []schedule.Date{sept(2)}, groupSnapshot())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Subscribers)
	assert.Equal(t, 2, report.Sent)
	require.Equal(t, 1, report.Failed())
	assert.Equal(t, int64(2), report.Failures[0].Subscriber.UserID)
	assert.True(t, shared.IsDelivery(report.Failures[0].Err))

	assert.Len(t, tg.messagesTo(1), 1)
	assert.Len(t, vk.messagesTo(3), 1)
}

func TestNotify_MissingMessengerCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Add(ctx, "Group-101", subscription.Subscriber{UserID: 7, Platform: subscription.PlatformVK}))

	h := NewOnScheduleChangedHandler(store, messenger.NewRegistry(), nil, DefaultScheduleChangedConfig())

	report, err := h.Notify(ctx, "Group-101", []schedule.Date{sept(2), sept(3)}, groupSnapshot())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed())
	assert.True(t, shared.IsNotFound(report.Failures[0].Err))
}

func TestNotify_NoDatesOrNoSubscribers(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tg := &recordingMessenger{platform: subscription.PlatformTelegram}
	h := NewOnScheduleChangedHandler(store, messenger.NewRegistry(tg), nil, DefaultScheduleChangedConfig())

	report, err := h.Notify(ctx, "Group-101", nil, groupSnapshot())
	require.NoError(t, err)
	assert.Zero(t, report.Subscribers)

	report, err = h.Notify(ctx, "Group-101", []schedule.Date{sept(2)}, groupSnapshot())
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
}

func TestBuildingsKeyboard(t *testing.T) {
	day := groupSnapshot().Days[0]
	kb := BuildingsKeyboard(day)
	require.NotNil(t, kb)
	assert.True(t, kb.Inline)
	assert.Len(t, kb.Rows, 1)
}

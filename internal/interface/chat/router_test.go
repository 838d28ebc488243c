package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/application/command"
	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/persistence/memory"
	"github.com/chsu-bot/schedule-notifier/pkg/keylock"
	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─────────────────────────────────────────────────────────────────────────────
// fakes
// ─────────────────────────────────────────────────────────────────────────────

type outgoing struct {
	to       int64
	text     string
	kb       *messenger.Keyboard
	location *Coordinates
}

type fakeMessenger struct {
	mu        sync.Mutex
	out       []outgoing
	confirmed []string
}

func (m *fakeMessenger) Platform() subscription.Platform { return subscription.PlatformVK }
func (m *fakeMessenger) GetName() string                  { return "vk" }

func (m *fakeMessenger) SendMessage(_ context.Context, to int64, text string, kb *messenger.Keyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = append(m.out, outgoing{to: to, text: text, kb: kb})
	return nil
}

func (m *fakeMessenger) SendLocation(_ context.Context, to int64, lat, long float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = append(m.out, outgoing{to: to, location: &Coordinates{Lat: lat, Long: long}})
	return nil
}

func (m *fakeMessenger) ConfirmEvent(_ context.Context, eventID string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed = append(m.confirmed, eventID)
	return nil
}

func (m *fakeMessenger) last() outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out[len(m.out)-1]
}

func (m *fakeMessenger) to(id int64) []outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []outgoing
	for _, o := range m.out {
		if o.to == id {
			res = append(res, o)
		}
	}
	return res
}

type fakeSource struct {
	entities map[string]schedule.Entity
	days     []schedule.Day
	err      error

	requested []schedule.DateRange
}

func (s *fakeSource) Resolve(_ context.Context, name string) (schedule.Entity, bool, error) {
	e, ok := s.entities[name]
	return e, ok, nil
}

func (s *fakeSource) FetchSchedule(_ context.Context, entity string, r schedule.DateRange) (*schedule.Snapshot, error) {
	s.requested = append(s.requested, r)
	if s.err != nil {
		return nil, s.err
	}
	snap := &schedule.Snapshot{Entity: s.entities[entity], Range: r}
	for _, d := range s.days {
		if r.Contains(d.Date) {
			snap.Days = append(snap.Days, d)
		}
	}
	return snap, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// fixture
// ─────────────────────────────────────────────────────────────────────────────

const (
	userID  int64 = 42
	adminID int64 = 1
)

type fixture struct {
	router *Router
	vk     *fakeMessenger
	source *fakeSource
	store  *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	// 2024-09-02 10:00 in UTC+3
	now := time.Date(2024, 9, 2, 7, 0, 0, 0, time.UTC)
	clock := timeutil.NewClockAt(timeutil.MoscowTZ, func() time.Time { return now })

	store := memory.NewStore()
	subs := command.NewSubscriptionHandler(store, store, keylock.New(), nil)
	vk := &fakeMessenger{}
	source := &fakeSource{
		entities: map[string]schedule.Entity{
			"1ПИб-01-1оп-22":       {Name: "1ПИб-01-1оп-22", Kind: schedule.KindGroup},
			"Иванов Иван Иванович": {Name: "Иванов Иван Иванович", Kind: schedule.KindProfessor},
		},
		days: []schedule.Day{
			{Date: schedule.NewDate(2024, 9, 3), Lessons: []schedule.Lesson{{
				Start: "08:30", End: "10:00", Type: "лек", Discipline: "Алгебра",
				Lecturers: []string{"Иванов Иван Иванович"},
				Building:  "Главный корпус (пр. Советский, д. 8)", Auditory: "301",
			}}},
			{Date: schedule.NewDate(2024, 9, 4), Lessons: []schedule.Lesson{{
				Start: "10:10", End: "11:40", Discipline: "История", Online: true,
			}}},
		},
	}

	router := NewRouter(subs, source, messenger.NewRegistry(vk), clock, RouterConfig{
		Admins: map[subscription.Platform][]int64{subscription.PlatformVK: {adminID}},
	})
	return &fixture{router: router, vk: vk, source: source, store: store}
}

func (f *fixture) say(t *testing.T, from int64, text string) {
	t.Helper()
	require.NoError(t, f.router.HandleEvent(context.Background(), messenger.Event{
		UserID:   from,
		Platform: subscription.PlatformVK,
		Text:     text,
	}))
}

// ─────────────────────────────────────────────────────────────────────────────
// tests
// ─────────────────────────────────────────────────────────────────────────────

func TestRouter_StartAsksWhoYouAre(t *testing.T) {
	f := newFixture(t)

	f.say(t, userID, "Начать")
	assert.Equal(t, WhoAreYouText, f.vk.last().text)
	assert.Equal(t, BtnStudent, f.vk.last().kb.Rows[0][0].Label)

	f.say(t, userID, "/start")
	assert.Equal(t, WhoAreYouText, f.vk.last().text)
}

func TestRouter_RulesAreOrderedAndNamed(t *testing.T) {
	f := newFixture(t)

	rules := f.router.Rules()
	require.NotEmpty(t, rules)
	assert.Equal(t, "building_location", rules[0].Name)
	assert.Equal(t, "unknown", rules[len(rules)-1].Name)

	names := make(map[string]bool, len(rules))
	for _, r := range rules {
		assert.False(t, names[r.Name], "duplicate rule %s", r.Name)
		names[r.Name] = true
	}
}

func TestRouter_UnknownCommand(t *testing.T) {
	f := newFixture(t)

	f.say(t, userID, "what")
	assert.Equal(t, UnknownCommandText, f.vk.last().text)
}

func TestRouter_EntityNameRegistersUser(t *testing.T) {
	f := newFixture(t)

	f.say(t, userID, "1ПИб-01-1оп-22")
	assert.Equal(t, "Данные сохранены.\n", f.vk.last().text)

	u, found, err := f.store.Get(context.Background(), subscription.Subscriber{UserID: userID, Platform: subscription.PlatformVK})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, schedule.KindGroup, u.Entity.Kind)
}

func TestRouter_TomorrowSendsDayWithBuildings(t *testing.T) {
	f := newFixture(t)
	f.say(t, userID, "1ПИб-01-1оп-22")

	f.say(t, userID, BtnTomorrow)

	require.Len(t, f.source.requested, 1)
	assert.Equal(t, schedule.SingleDay(schedule.NewDate(2024, 9, 3)), f.source.requested[0])

	msg := f.vk.last()
	assert.Contains(t, msg.text, "==Вторник, 03.09.2024==")
	assert.Contains(t, msg.text, "лек., Алгебра")
	require.NotNil(t, msg.kb)
	assert.True(t, msg.kb.Inline)
	assert.Equal(t, "Главный корпус (пр. Советский, д. 8)", msg.kb.Rows[0][0].Payload)
}

func TestRouter_DateRangeSendsEveryDay(t *testing.T) {
	f := newFixture(t)
	f.say(t, userID, "1ПИб-01-1оп-22")
	before := len(f.vk.to(userID))

	f.say(t, userID, "03.09-05.09")

	msgs := f.vk.to(userID)[before:]
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].text, "Онлайн")
	assert.Equal(t, BtnToday, msgs[1].kb.Rows[0][0].Label, "online day gets the standard keyboard")
}

func TestRouter_EmptyDayAndInvalidDate(t *testing.T) {
	f := newFixture(t)
	f.say(t, userID, "1ПИб-01-1оп-22")

	f.say(t, userID, "10.09")
	assert.Equal(t, schedule.NotFoundText, f.vk.last().text)

	f.say(t, userID, "31.02")
	assert.Equal(t, invalidDateText, f.vk.last().text)
}

func TestRouter_ScheduleForUnregisteredUser(t *testing.T) {
	f := newFixture(t)

	f.say(t, userID, BtnToday)
	assert.Equal(t, userNotFoundText, f.vk.last().text)
	assert.Empty(t, f.source.requested)
}

func TestRouter_UpstreamFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.say(t, userID, "1ПИб-01-1оп-22")
	f.source.err = shared.UpstreamError("chsu", "FetchSchedule", errors.New("timeout"))

	err := f.router.HandleEvent(context.Background(), messenger.Event{
		UserID: userID, Platform: subscription.PlatformVK, Text: BtnTomorrow,
	})
	assert.True(t, shared.IsUpstream(err))

	assert.Contains(t, f.vk.last().text, "Произошла ошибка при запросе расписания")
	require.NotEmpty(t, f.vk.to(adminID))
	assert.Contains(t, f.vk.to(adminID)[0].text, "произошла ошибка")
}

func TestRouter_MailingAndTracking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := subscription.Subscriber{UserID: userID, Platform: subscription.PlatformVK}

	f.say(t, userID, "1ПИб-01-1оп-22")

	f.say(t, userID, "08:36")
	assert.Contains(t, f.vk.last().text, "ежедневно в 08:36")
	subs, err := f.store.FindByMailingTime(ctx, "08:36")
	require.NoError(t, err)
	assert.Equal(t, []subscription.Subscriber{key}, subs)

	f.say(t, userID, BtnUnsubscribe)
	subs, err = f.store.FindByMailingTime(ctx, "08:36")
	require.NoError(t, err)
	assert.Empty(t, subs)

	f.say(t, userID, BtnTrack)
	tracked, err := f.store.Subscribers(ctx, "1ПИб-01-1оп-22")
	require.NoError(t, err)
	assert.Equal(t, []subscription.Subscriber{key}, tracked)

	f.say(t, userID, BtnDontTrack)
	tracked, err = f.store.Subscribers(ctx, "1ПИб-01-1оп-22")
	require.NoError(t, err)
	assert.Empty(t, tracked)
}

func TestRouter_AdminRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.say(t, userID, ";не работает расписание")
	require.Len(t, f.vk.to(adminID), 1)
	assert.Contains(t, f.vk.to(adminID)[0].text, "не работает расписание")
	assert.Contains(t, f.vk.to(adminID)[0].text, "!42:")

	f.say(t, adminID, "!42: уже чиним")
	assert.Contains(t, f.vk.last().text, "Сообщение отправлено")
	got := f.vk.to(userID)
	assert.Contains(t, got[len(got)-1].text, "Сообщение от администратора: уже чиним")
}

func TestRouter_AdminReplyFromNonAdminIsUnknown(t *testing.T) {
	f := newFixture(t)

	f.say(t, userID, "!1: hi")
	assert.Equal(t, UnknownCommandText, f.vk.last().text)
	assert.Empty(t, f.vk.to(adminID))
}

func TestRouter_PayloadSendsLocation(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.router.HandleEvent(context.Background(), messenger.Event{
		UserID:   userID,
		Platform: subscription.PlatformVK,
		Payload:  "Главный корпус (пр. Советский, д. 8)",
		EventID:  "evt-1",
	}))

	last := f.vk.last()
	require.NotNil(t, last.location)
	assert.InDelta(t, 59.1204, last.location.Lat, 0.001)
	assert.Equal(t, []string{"evt-1"}, f.vk.confirmed)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "Советский, 8", NormalizeAddress("Главный корпус (пр. Советский, д. 8)"))
	assert.Equal(t, "Чкалова, 31А", NormalizeAddress("ул. Чкалова, д. 31А"))

	_, ok := LookupBuilding("Нигде, 1")
	assert.False(t, ok)
}

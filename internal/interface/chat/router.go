// Package chat implements the conversational surface shared by every chat
// platform. Incoming text and button presses are matched against an ordered
// table of rules; the first matching rule replies through the sender's
// messenger.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chsu-bot/schedule-notifier/internal/application/command"
	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
)

// Replies that are not tied to one rule.
const (
	UnknownCommandText = "Такой команды нет. Проверьте правильность ввода."
	WhoAreYouText      = "Кто вы?"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Subscriptions is the subset of the subscription commands the dialog uses.
type Subscriptions interface {
	User(ctx context.Context, key subscription.Subscriber) (*subscription.User, bool, error)
	ChangeEntity(ctx context.Context, cmd command.ChangeEntityCommand) (*subscription.User, error)
	SetTracking(ctx context.Context, cmd command.SetTrackingCommand) (*subscription.User, error)
	SetMailing(ctx context.Context, cmd command.SetMailingCommand) (*subscription.User, error)
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	// Admins receive user messages sent with the ";" prefix and may answer
	// with "!<id>:<text>".
	Admins map[subscription.Platform][]int64

	// BuildingLocations decides whether a user gets building buttons under
	// a schedule. Nil enables them for everyone.
	BuildingLocations func(subscription.Subscriber) bool

	// Logger for structured logging.
	Logger *slog.Logger
}

// ══════════════════════════════════════════════════════════════════════════════
// RULES
// ══════════════════════════════════════════════════════════════════════════════

// Rule is one entry of the routing table.
type Rule struct {
	Name   string
	Match  func(ctx context.Context, ev messenger.Event) bool
	Action func(ctx context.Context, ev messenger.Event) error
}

// ══════════════════════════════════════════════════════════════════════════════
// ROUTER
// ══════════════════════════════════════════════════════════════════════════════

// Router routes incoming events to the first matching rule.
type Router struct {
	subs       Subscriptions
	source     schedule.Source
	messengers *messenger.Registry
	clock      *timeutil.Clock
	keyboards  *KeyboardBuilder
	admins     map[subscription.Platform]map[int64]struct{}
	adminList  map[subscription.Platform][]int64
	buildings  func(subscription.Subscriber) bool
	logger     *slog.Logger

	rules []Rule
}

// NewRouter creates a router with the full rule table.
func NewRouter(
	subs Subscriptions,
	source schedule.Source,
	messengers *messenger.Registry,
	clock *timeutil.Clock,
	config RouterConfig,
) *Router {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if clock == nil {
		clock = timeutil.NewClock(timeutil.DefaultOffsetHours)
	}
	if config.BuildingLocations == nil {
		config.BuildingLocations = func(subscription.Subscriber) bool { return true }
	}

	r := &Router{
		subs:       subs,
		source:     source,
		messengers: messengers,
		clock:      clock,
		keyboards:  NewKeyboardBuilder(),
		admins:     make(map[subscription.Platform]map[int64]struct{}),
		adminList:  config.Admins,
		buildings:  config.BuildingLocations,
		logger:     config.Logger.With("component", "chat_router"),
	}
	for p, ids := range config.Admins {
		set := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		r.admins[p] = set
	}

	r.rules = r.buildRules()
	return r
}

// Rules returns the routing table in evaluation order.
func (r *Router) Rules() []Rule {
	return r.rules
}

func (r *Router) buildRules() []Rule {
	return []Rule{
		{Name: "building_location", Match: isPayload, Action: r.sendLocation},
		{Name: "start", Match: isStart, Action: r.start},
		{Name: "change_entity", Match: textIs(BtnChangeEntity), Action: r.reply("Кто вы?", r.keyboards.ChangeEntity)},
		{Name: "message_to_admin", Match: textHasPrefix(adminMessageMark), Action: r.messageToAdmins},
		{Name: "choose_professor", Match: textIs(BtnProfessor), Action: r.reply("Введите ФИО.", r.keyboards.Empty)},
		{Name: "choose_group", Match: textIs(BtnStudent), Action: r.reply("Введите номер группы.", r.keyboards.Empty)},
		{Name: "another_day", Match: textIs(BtnAnotherDay), Action: r.reply(anotherDayText, r.keyboards.Cancel)},
		{Name: "cancel", Match: textIs(BtnCancel), Action: r.reply("Действие отменено.", r.keyboards.Standard)},
		{Name: "mailing", Match: textIs(BtnMailing), Action: r.reply("Введите время рассылки\nПример: 08:36", r.keyboards.Mailing)},
		{Name: "mailing_time", Match: textMatches(mailingTimePattern), Action: r.setMailing},
		{Name: "unsubscribe", Match: textIs(BtnUnsubscribe), Action: r.unsubscribe},
		{Name: "settings", Match: textIs(BtnSettings), Action: r.reply("Настройки.", r.keyboards.Settings)},
		{Name: "changes_menu", Match: textIs(BtnChanges), Action: r.reply("Изменения.", r.keyboards.Tracking)},
		{Name: "track_changes", Match: textIs(BtnTrack), Action: r.setTracking(true)},
		{Name: "dont_track_changes", Match: textIs(BtnDontTrack), Action: r.setTracking(false)},
		{Name: "entity_name", Match: r.isKnownEntity, Action: r.changeEntity},
		{Name: "date_range", Match: textMatches(dateRangePattern), Action: r.dateRange},
		{Name: "single_date", Match: textMatches(singleDatePattern), Action: r.singleDate},
		{Name: "today", Match: textIs(BtnToday), Action: r.today},
		{Name: "tomorrow", Match: textIs(BtnTomorrow), Action: r.tomorrow},
		{Name: "admin_reply", Match: r.isAdminReply, Action: r.adminReply},
		{Name: "unknown", Match: always, Action: r.reply(UnknownCommandText, r.keyboards.Standard)},
	}
}

// HandleEvent runs the first rule that matches ev.
func (r *Router) HandleEvent(ctx context.Context, ev messenger.Event) error {
	ev.Text = strings.TrimSpace(ev.Text)

	for _, rule := range r.rules {
		if !rule.Match(ctx, ev) {
			continue
		}

		r.logger.Debug("event routed",
			"rule", rule.Name,
			"user_id", ev.UserID,
			"platform", ev.Platform,
		)

		if err := rule.Action(ctx, ev); err != nil {
			r.logger.Error("rule failed",
				"rule", rule.Name,
				"user_id", ev.UserID,
				"platform", ev.Platform,
				"error", err,
			)
			return fmt.Errorf("chat rule %s: %w", rule.Name, err)
		}
		return nil
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PREDICATES
// ══════════════════════════════════════════════════════════════════════════════

func isPayload(_ context.Context, ev messenger.Event) bool {
	return ev.IsPayload()
}

func isStart(_ context.Context, ev messenger.Event) bool {
	return ev.Text == "" || ev.Text == BtnStart || ev.Text == CmdStart
}

func always(context.Context, messenger.Event) bool {
	return true
}

func textIs(want string) func(context.Context, messenger.Event) bool {
	return func(_ context.Context, ev messenger.Event) bool {
		return ev.Text == want
	}
}

func textHasPrefix(prefix string) func(context.Context, messenger.Event) bool {
	return func(_ context.Context, ev messenger.Event) bool {
		return strings.HasPrefix(ev.Text, prefix)
	}
}

type matcher interface {
	MatchString(s string) bool
}

func textMatches(re matcher) func(context.Context, messenger.Event) bool {
	return func(_ context.Context, ev messenger.Event) bool {
		return re.MatchString(ev.Text)
	}
}

func (r *Router) isKnownEntity(ctx context.Context, ev messenger.Event) bool {
	_, found, err := r.source.Resolve(ctx, ev.Text)
	if err != nil {
		r.logger.Warn("directory lookup failed", "text", ev.Text, "error", err)
		return false
	}
	return found
}

func (r *Router) isAdmin(p subscription.Platform, id int64) bool {
	_, ok := r.admins[p][id]
	return ok
}

// ══════════════════════════════════════════════════════════════════════════════
// REPLIES
// ══════════════════════════════════════════════════════════════════════════════

func (r *Router) reply(text string, kb func() *messenger.Keyboard) func(context.Context, messenger.Event) error {
	return func(ctx context.Context, ev messenger.Event) error {
		return r.send(ctx, ev.Platform, ev.UserID, text, kb())
	}
}

func (r *Router) start(ctx context.Context, ev messenger.Event) error {
	return r.send(ctx, ev.Platform, ev.UserID, WhoAreYouText, r.keyboards.Start())
}

func (r *Router) send(ctx context.Context, p subscription.Platform, to int64, text string, kb *messenger.Keyboard) error {
	m, err := r.messengers.Get(p)
	if err != nil {
		return err
	}
	return m.SendMessage(ctx, to, text, kb)
}

func (r *Router) sendLocation(ctx context.Context, ev messenger.Event) error {
	m, err := r.messengers.Get(ev.Platform)
	if err != nil {
		return err
	}

	if c, ok := m.(messenger.EventConfirmer); ok && ev.EventID != "" {
		if err := c.ConfirmEvent(ctx, ev.EventID, ev.UserID); err != nil {
			r.logger.Warn("failed to confirm event", "event_id", ev.EventID, "error", err)
		}
	}

	coords, ok := LookupBuilding(ev.Payload)
	if !ok {
		return m.SendMessage(ctx, ev.UserID, "Адрес корпуса не найден.", nil)
	}
	return m.SendLocation(ctx, ev.UserID, coords.Lat, coords.Long)
}

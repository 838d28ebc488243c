package chat

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/chsu-bot/schedule-notifier/internal/application/command"
	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
)

var mailingTimePattern = regexp.MustCompile(`^(0\d|1\d|2[0-3]):[0-5]\d$`)

const userNotFoundText = "Пользователь не найден. " +
	"Пожалуйста, нажмите \"Изменить группу\" и введите номер группы/ФИО преподавателя снова."

// ══════════════════════════════════════════════════════════════════════════════
// SUBSCRIPTION RULES
// ══════════════════════════════════════════════════════════════════════════════

func (r *Router) changeEntity(ctx context.Context, ev messenger.Event) error {
	entity, found, err := r.source.Resolve(ctx, ev.Text)
	if err != nil {
		return err
	}
	if !found {
		return r.send(ctx, ev.Platform, ev.UserID, UnknownCommandText, r.keyboards.Standard())
	}

	if _, err := r.subs.ChangeEntity(ctx, command.ChangeEntityCommand{
		Subscriber: ev.Subscriber(),
		Entity:     entity,
	}); err != nil {
		return err
	}
	return r.send(ctx, ev.Platform, ev.UserID, "Данные сохранены.\n", r.keyboards.Standard())
}

func (r *Router) setMailing(ctx context.Context, ev messenger.Event) error {
	_, err := r.subs.SetMailing(ctx, command.SetMailingCommand{Subscriber: ev.Subscriber(), Time: ev.Text})
	if shared.IsNotFound(err) {
		return r.send(ctx, ev.Platform, ev.UserID, userNotFoundText, r.keyboards.Start())
	}
	if err != nil {
		return err
	}

	text := fmt.Sprintf("Вы подписались на рассылку расписания. Теперь, ежедневно в %s, "+
		"Вы будете получать расписание на следующий день.", ev.Text)
	return r.send(ctx, ev.Platform, ev.UserID, text, r.keyboards.Standard())
}

func (r *Router) unsubscribe(ctx context.Context, ev messenger.Event) error {
	_, err := r.subs.SetMailing(ctx, command.SetMailingCommand{Subscriber: ev.Subscriber()})
	if err != nil && !shared.IsNotFound(err) {
		return err
	}
	return r.send(ctx, ev.Platform, ev.UserID, "Вы отписались от рассылки.", r.keyboards.Standard())
}

func (r *Router) setTracking(enabled bool) func(context.Context, messenger.Event) error {
	return func(ctx context.Context, ev messenger.Event) error {
		_, err := r.subs.SetTracking(ctx, command.SetTrackingCommand{Subscriber: ev.Subscriber(), Enabled: enabled})
		if shared.IsNotFound(err) || shared.IsValidation(err) {
			return r.send(ctx, ev.Platform, ev.UserID, userNotFoundText, r.keyboards.Start())
		}
		if err != nil {
			return err
		}

		text := "Теперь ежечасно вам будут приходить уведомления о изменениях в расписании, если они будут."
		if !enabled {
			text = "Вам больше не будут приходить уведомления о изменениях в расписании, " +
				"однако их всегда можно включить в настройках."
		}
		return r.send(ctx, ev.Platform, ev.UserID, text, r.keyboards.Standard())
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN RULES
// ══════════════════════════════════════════════════════════════════════════════

func (r *Router) messageToAdmins(ctx context.Context, ev messenger.Event) error {
	body := strings.TrimPrefix(ev.Text, adminMessageMark)
	text := fmt.Sprintf("Сообщение от пользователя: %s\n\nДля ответа используйте \"!%d: %%сообщение%%\".", body, ev.UserID)

	for _, id := range r.adminList[ev.Platform] {
		if err := r.send(ctx, ev.Platform, id, text, r.keyboards.Standard()); err != nil {
			r.logger.Error("failed to forward message to admin", "admin_id", id, "error", err)
		}
	}
	return r.send(ctx, ev.Platform, ev.UserID, "Сообщение отправлено.", r.keyboards.Standard())
}

// parseAdminReply splits "!<id>:<text>".
func parseAdminReply(text string) (int64, string, bool) {
	if !strings.HasPrefix(text, adminReplyMark) {
		return 0, "", false
	}
	head, body, ok := strings.Cut(text[len(adminReplyMark):], ":")
	if !ok {
		return 0, "", false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(head), 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, strings.TrimSpace(body), true
}

func (r *Router) isAdminReply(_ context.Context, ev messenger.Event) bool {
	if !r.isAdmin(ev.Platform, ev.UserID) {
		return false
	}
	_, _, ok := parseAdminReply(ev.Text)
	return ok
}

func (r *Router) adminReply(ctx context.Context, ev messenger.Event) error {
	to, body, _ := parseAdminReply(ev.Text)

	text := fmt.Sprintf("Сообщение от администратора: %s\n\nДля ответа используйте \";\" в начале сообщения.", body)
	if err := r.send(ctx, ev.Platform, to, text, r.keyboards.Standard()); err != nil {
		return err
	}
	return r.send(ctx, ev.Platform, ev.UserID, "Сообщение отправлено", r.keyboards.Standard())
}

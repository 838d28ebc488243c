package chat

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/application/eventhandler"
	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
)

var (
	singleDatePattern = regexp.MustCompile(`^(0[1-9]|1\d|2\d|3[0-1])[.](0[1-9]|1[0-2])$`)
	dateRangePattern  = regexp.MustCompile(`^(0[1-9]|1\d|2\d|3[0-1])[.](0[1-9]|1[0-2])-(0[1-9]|1\d|2\d|3[0-1])[.](0[1-9]|1[0-2])$`)
)

const (
	anotherDayText = "Введите дату:\nПример: 08.02 - запрос расписания для конкретного дня.\n" +
		"31.10-07.11 - запрос расписания для заданного интервала дат."
	invalidDateText = "Введена некорректная дата."
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULE RULES
// ══════════════════════════════════════════════════════════════════════════════

func (r *Router) singleDate(ctx context.Context, ev messenger.Event) error {
	day, err := timeutil.ParseDayMonth(ev.Text, r.clock.Now())
	if err != nil {
		return r.send(ctx, ev.Platform, ev.UserID, invalidDateText, r.keyboards.Standard())
	}
	return r.showSchedule(ctx, ev, schedule.SingleDay(schedule.DateOf(day)))
}

func (r *Router) dateRange(ctx context.Context, ev messenger.Event) error {
	first, last, _ := strings.Cut(ev.Text, "-")

	from, err := timeutil.ParseDayMonth(first, r.clock.Now())
	if err != nil {
		return r.send(ctx, ev.Platform, ev.UserID, invalidDateText, r.keyboards.Standard())
	}
	to, err := timeutil.ParseDayMonth(last, from)
	if err != nil {
		return r.send(ctx, ev.Platform, ev.UserID, invalidDateText, r.keyboards.Standard())
	}
	if to.Before(from) {
		to = to.AddDate(1, 0, 0)
	}

	return r.showSchedule(ctx, ev, schedule.DateRange{From: schedule.DateOf(from), To: schedule.DateOf(to)})
}

func (r *Router) today(ctx context.Context, ev messenger.Event) error {
	return r.showDay(ctx, ev, r.clock.Today())
}

// tomorrow is also the request the daily mailing synthesizes.
func (r *Router) tomorrow(ctx context.Context, ev messenger.Event) error {
	return r.showDay(ctx, ev, r.clock.Tomorrow())
}

func (r *Router) showDay(ctx context.Context, ev messenger.Event, day time.Time) error {
	ev.Text = day.Format(timeutil.FormatDayMonth)
	return r.singleDate(ctx, ev)
}

// showSchedule sends one message per day of the range, each with the
// buildings of that day as location buttons.
func (r *Router) showSchedule(ctx context.Context, ev messenger.Event, rng schedule.DateRange) error {
	user, found, err := r.subs.User(ctx, ev.Subscriber())
	if err != nil {
		return err
	}
	if !found || !user.IsRegistered() {
		return r.send(ctx, ev.Platform, ev.UserID, userNotFoundText, r.keyboards.Start())
	}

	snapshot, err := r.source.FetchSchedule(ctx, user.Entity.Name, rng)
	if err != nil {
		r.reportFetchError(ctx, ev, err)
		return err
	}

	if len(snapshot.Days) == 0 {
		return r.send(ctx, ev.Platform, ev.UserID, schedule.NotFoundText, r.keyboards.Standard())
	}

	showBuildings := r.buildings(ev.Subscriber())
	for _, day := range snapshot.Days {
		var kb *messenger.Keyboard
		if showBuildings {
			kb = eventhandler.BuildingsKeyboard(day)
		}
		if kb == nil {
			kb = r.keyboards.Standard()
		}
		if err := r.send(ctx, ev.Platform, ev.UserID, day.Render(snapshot.Entity.Kind), kb); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) reportFetchError(ctx context.Context, ev messenger.Event, fetchErr error) {
	if shared.IsNotFound(fetchErr) {
		_ = r.send(ctx, ev.Platform, ev.UserID, userNotFoundText, r.keyboards.Start())
		return
	}

	for _, id := range r.adminList[ev.Platform] {
		text := fmt.Sprintf("У %d произошла ошибка %v.", ev.UserID, fetchErr)
		if err := r.send(ctx, ev.Platform, id, text, r.keyboards.Standard()); err != nil {
			r.logger.Error("failed to report to admin", "admin_id", id, "error", err)
		}
	}

	text := fmt.Sprintf("Произошла ошибка при запросе расписания: %v. "+
		"Попробуйте запросить его снова или свяжитесь с администратором.", fetchErr)
	if err := r.send(ctx, ev.Platform, ev.UserID, text, r.keyboards.Standard()); err != nil {
		r.logger.Error("failed to report fetch error to user", "user_id", ev.UserID, "error", err)
	}
}

// Package eventhandler содержит обработчики изменений, обнаруженных
// фоновыми задачами. Обработчик реагирует на событие и запускает побочные
// эффекты: рассылку сообщений подписчикам.
package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON SCHEDULE CHANGED HANDLER
// Рассылает изменившиеся дни расписания всем, кто отслеживает сущность.
//
// - Даты отправляются по возрастанию
// - Ошибка доставки одному получателю не останавливает остальных
// - Повторной отправки в рамках одного прохода нет
// ═══════════════════════════════════════════════════════════════════════════

// ChangedHeader предваряет каждое сообщение об изменении.
const ChangedHeader = "Изменения в расписании на %s:\n"

// ScheduleChangedConfig содержит конфигурацию обработчика.
type ScheduleChangedConfig struct {
	// Concurrency — сколько получателей обслуживается параллельно.
	Concurrency int

	// SendTimeout — ограничение на одну отправку.
	SendTimeout time.Duration

	// BuildingLocations добавляет к сообщению кнопки корпусов.
	BuildingLocations bool
}

// DefaultScheduleChangedConfig возвращает конфигурацию по умолчанию.
func DefaultScheduleChangedConfig() ScheduleChangedConfig {
	return ScheduleChangedConfig{
		Concurrency:       5,
		SendTimeout:       10 * time.Second,
		BuildingLocations: true,
	}
}

// DeliveryFailure описывает одну неудачную отправку.
type DeliveryFailure struct {
	Subscriber subscription.Subscriber
	Date       schedule.Date
	Err        error
}

// DispatchReport — итог одного прохода рассылки.
type DispatchReport struct {
	Entity      string
	Dates       []schedule.Date
	Subscribers int
	Sent        int
	Failures    []DeliveryFailure
}

// Failed возвращает количество неудачных отправок.
func (r DispatchReport) Failed() int {
	return len(r.Failures)
}

// OnScheduleChangedHandler рассылает изменения расписания.
type OnScheduleChangedHandler struct {
	registry   subscription.Registry
	messengers *messenger.Registry
	logger     *slog.Logger
	config     ScheduleChangedConfig
}

// NewOnScheduleChangedHandler создаёт новый обработчик.
func NewOnScheduleChangedHandler(
	registry subscription.Registry,
	messengers *messenger.Registry,
	logger *slog.Logger,
	config ScheduleChangedConfig,
) *OnScheduleChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	return &OnScheduleChangedHandler{
		registry:   registry,
		messengers: messengers,
		logger:     logger.With("handler", "on_schedule_changed"),
		config:     config,
	}
}

// Notify отправляет каждому подписчику сущности по сообщению на каждую
// изменившуюся дату. Ошибка возвращается только если не удалось прочитать
// список подписчиков; ошибки доставки собираются в отчёт.
func (h *OnScheduleChangedHandler) Notify(
	ctx context.Context,
	entity string,
	dates []schedule.Date,
	snapshot *schedule.Snapshot,
) (DispatchReport, error) {
	report := DispatchReport{Entity: entity}
	if len(dates) == 0 {
		return report, nil
	}

	ordered := make([]schedule.Date, len(dates))
	copy(ordered, dates)
	schedule.SortDates(ordered)
	report.Dates = ordered

	subscribers, err := h.registry.Subscribers(ctx, entity)
	if err != nil {
		return report, shared.StoreError("notification", "Subscribers", err)
	}
	report.Subscribers = len(subscribers)
	if len(subscribers) == 0 {
		return report, nil
	}

	// 1. Готовим сообщения один раз для всех получателей
	messages := h.buildMessages(ordered, snapshot)

	// 2. Рассылаем через пул воркеров
	var (
		wg        sync.WaitGroup
		semaphore = make(chan struct{}, h.config.Concurrency)
		mu        sync.Mutex
	)

	for _, sub := range subscribers {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(s subscription.Subscriber) {
			defer wg.Done()
			defer func() { <-semaphore }()

			sent, failures := h.deliver(ctx, s, messages)

			mu.Lock()
			defer mu.Unlock()
			report.Sent += sent
			report.Failures = append(report.Failures, failures...)
		}(sub)
	}

	wg.Wait()

	h.logger.Info("schedule changes dispatched",
		"entity", entity,
		"dates", len(ordered),
		"subscribers", report.Subscribers,
		"sent", report.Sent,
		"failed", report.Failed(),
	)
	return report, nil
}

type changeMessage struct {
	date     schedule.Date
	text     string
	keyboard *messenger.Keyboard
}

func (h *OnScheduleChangedHandler) buildMessages(dates []schedule.Date, snapshot *schedule.Snapshot) []changeMessage {
	messages := make([]changeMessage, 0, len(dates))
	for _, d := range dates {
		text := fmt.Sprintf(ChangedHeader, d.String())

		var kb *messenger.Keyboard
		if snapshot != nil {
			if day, ok := snapshot.Day(d); ok {
				text += day.Render(snapshot.Entity.Kind)
				if h.config.BuildingLocations {
					kb = BuildingsKeyboard(day)
				}
			} else {
				text += schedule.NotFoundText
			}
		}

		messages = append(messages, changeMessage{date: d, text: text, keyboard: kb})
	}
	return messages
}

// deliver отправляет все сообщения одному получателю. После первой ошибки
// платформы остальные даты всё равно пробуются.
func (h *OnScheduleChangedHandler) deliver(
	ctx context.Context,
	s subscription.Subscriber,
	messages []changeMessage,
) (int, []DeliveryFailure) {
	m, err := h.messengers.Get(s.Platform)
	if err != nil {
		failures := make([]DeliveryFailure, 0, len(messages))
		for _, msg := range messages {
			failures = append(failures, DeliveryFailure{Subscriber: s, Date: msg.date, Err: err})
		}
		h.logger.Warn("no messenger for subscriber platform",
			"user_id", s.UserID,
			"platform", s.Platform,
		)
		return 0, failures
	}

	var (
		sent     int
		failures []DeliveryFailure
	)
	for _, msg := range messages {
		if err := h.send(ctx, m, s.UserID, msg); err != nil {
			failures = append(failures, DeliveryFailure{Subscriber: s, Date: msg.date, Err: err})
			h.logger.Error("failed to deliver schedule change",
				"user_id", s.UserID,
				"platform", s.Platform,
				"date", msg.date.String(),
				"error", err,
			)
			continue
		}
		sent++
	}
	return sent, failures
}

func (h *OnScheduleChangedHandler) send(ctx context.Context, m messenger.Messenger, userID int64, msg changeMessage) error {
	if h.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.SendTimeout)
		defer cancel()
	}

	if err := m.SendMessage(ctx, userID, msg.text, msg.keyboard); err != nil {
		if shared.IsDelivery(err) {
			return err
		}
		return shared.DeliveryError(m.GetName(), "SendMessage", err)
	}
	return nil
}

// BuildingsKeyboard возвращает inline-клавиатуру с корпусами дня или nil,
// если все пары онлайн.
func BuildingsKeyboard(day schedule.Day) *messenger.Keyboard {
	buildings := day.Buildings()
	if len(buildings) == 0 {
		return nil
	}
	kb := messenger.NewInlineKeyboard()
	for _, b := range buildings {
		kb.CallbackRow(b, b)
	}
	return kb
}

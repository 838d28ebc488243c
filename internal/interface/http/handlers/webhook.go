package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/external/telegram"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/external/vk"
	"github.com/chsu-bot/schedule-notifier/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

const (
	// TelegramSecretHeader carries the secret_token given to setWebhook.
	TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	// VKRetryHeader is set by VK when it re-delivers a callback.
	VKRetryHeader = "X-Retry-Counter"

	// vkAck is the body VK expects for every accepted callback.
	vkAck = "ok"
)

// WebhookConfig configures the chat platform webhooks.
type WebhookConfig struct {
	// TelegramSecret must match TelegramSecretHeader when set.
	TelegramSecret string

	// VKSecret must match the "secret" field of callbacks when set.
	VKSecret string

	// VKConfirmation answers confirmation requests when set; otherwise the
	// {confirmation} path value is returned.
	VKConfirmation string

	// VKGroupID rejects callbacks of other communities when non-zero.
	VKGroupID int64

	// MaxBodyBytes limits the request body.
	MaxBodyBytes int64

	// HandleTimeout bounds the processing of one event.
	HandleTimeout time.Duration

	// Workers is the number of events handled in parallel.
	Workers int

	// QueueSize is the number of acknowledged events waiting for a worker.
	// A request finding the queue full waits for a slot until the client
	// gives up.
	QueueSize int

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultWebhookConfig returns sensible defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxBodyBytes:  1 << 20,
		HandleTimeout: 30 * time.Second,
		Workers:       8,
		QueueSize:     256,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// WEBHOOK HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// ErrWebhooksClosed is returned by Shutdown when called twice.
var ErrWebhooksClosed = errors.New("webhook handler is closed")

// WebhookHandler decodes platform webhooks into messenger events and feeds
// them to the conversation handler. Events are acknowledged as soon as they
// are queued; a fixed set of workers handles them.
type WebhookHandler struct {
	events messenger.EventHandler
	config WebhookConfig
	logger *slog.Logger

	// mu guards closed against queue sends racing Shutdown.
	mu      sync.RWMutex
	closed  bool
	queue   chan queuedEvent
	workers sync.WaitGroup
}

type queuedEvent struct {
	ctx    context.Context
	event  messenger.Event
	logger *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(events messenger.EventHandler, config WebhookConfig) *WebhookHandler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.HandleTimeout <= 0 {
		config.HandleTimeout = 30 * time.Second
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}

	h := &WebhookHandler{
		events: events,
		config: config,
		logger: config.Logger.With("component", "webhook"),
		queue:  make(chan queuedEvent, config.QueueSize),
	}
	h.workers.Add(config.Workers)
	for i := 0; i < config.Workers; i++ {
		go h.work()
	}
	return h
}

// Shutdown stops accepting events and waits until the queued ones are
// handled or ctx is done.
func (h *WebhookHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrWebhooksClosed
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Telegram handles POST /telegram/callback.
func (h *WebhookHandler) Telegram(w http.ResponseWriter, r *http.Request) {
	if h.config.TelegramSecret != "" {
		got := r.Header.Get(TelegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.config.TelegramSecret)) != 1 {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	upd, err := telegram.DecodeUpdate(h.body(w, r))
	if err != nil {
		h.requestLogger(r).Warn("bad telegram update", logger.Err(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Telegram redelivers on any non-2xx status, so handler failures are
	// logged and never reach the response.
	if ev, ok := telegram.EventFromUpdate(upd); ok {
		if !h.enqueue(r, ev) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// VK handles POST /vk/callback/{confirmation}.
func (h *WebhookHandler) VK(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(VKRetryHeader) != "" {
		writeText(w, vkAck)
		return
	}

	cb, err := vk.DecodeCallback(h.body(w, r))
	if err != nil {
		h.requestLogger(r).Warn("bad vk callback", logger.Err(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !cb.VerifySecret(h.config.VKSecret) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if h.config.VKGroupID != 0 && int64(cb.GroupID) != h.config.VKGroupID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if vk.IsConfirmation(cb) {
		code := h.config.VKConfirmation
		if code == "" {
			code = r.PathValue("confirmation")
		}
		writeText(w, code)
		return
	}

	if ev, ok := vk.EventFromCallback(cb); ok {
		if !h.enqueue(r, ev) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	writeText(w, vkAck)
}

// enqueue hands ev to the workers. It reports false when the handler is shut
// down or the request ended while the queue was full.
func (h *WebhookHandler) enqueue(r *http.Request, ev messenger.Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	log := h.requestLogger(r)
	if h.closed {
		log.Warn("event dropped, shutting down", logger.Platform(string(ev.Platform)), logger.UserID(ev.UserID))
		return false
	}

	item := queuedEvent{ctx: context.WithoutCancel(r.Context()), event: ev, logger: log}
	select {
	case h.queue <- item:
		return true
	case <-r.Context().Done():
		log.Warn("event dropped, queue full", logger.Platform(string(ev.Platform)), logger.UserID(ev.UserID))
		return false
	}
}

func (h *WebhookHandler) work() {
	defer h.workers.Done()
	for item := range h.queue {
		h.handle(item)
	}
}

func (h *WebhookHandler) handle(item queuedEvent) {
	ctx, cancel := context.WithTimeout(item.ctx, h.config.HandleTimeout)
	defer cancel()

	ev := item.event
	if err := h.events.HandleEvent(ctx, ev); err != nil {
		item.logger.Error("event handling failed",
			logger.Platform(string(ev.Platform)),
			logger.UserID(ev.UserID),
			logger.Err(err),
		)
	}
}

func (h *WebhookHandler) body(w http.ResponseWriter, r *http.Request) io.Reader {
	return http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
}

// requestLogger prefers the request-scoped logger set by the middleware.
func (h *WebhookHandler) requestLogger(r *http.Request) *slog.Logger {
	if l := logger.FromContext(r.Context()); l != slog.Default() {
		return l.With("component", "webhook")
	}
	return h.logger
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chsu-bot/schedule-notifier/internal/domain/messenger"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
	"github.com/chsu-bot/schedule-notifier/pkg/logger"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []messenger.Event
	err    error
}

func (h *recordingHandler) HandleEvent(_ context.Context, ev messenger.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordingHandler) Events() []messenger.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]messenger.Event(nil), h.events...)
}

// waitEvents waits until the workers have handled n events.
func (h *recordingHandler) waitEvents(t *testing.T, n int) []messenger.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.Events()) >= n }, time.Second, time.Millisecond)
	return h.Events()
}

func newWebhookMux(events messenger.EventHandler, cfg WebhookConfig) http.Handler {
	mux, _ := newWebhooks(events, cfg)
	return mux
}

func newWebhooks(events messenger.EventHandler, cfg WebhookConfig) (http.Handler, *WebhookHandler) {
	cfg.Logger = logger.Discard()
	h := NewWebhookHandler(events, cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /telegram/callback", h.Telegram)
	mux.HandleFunc("POST /vk/callback/{confirmation}", h.VK)
	return mux, h
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ══════════════════════════════════════════════════════════════════════════════
// TELEGRAM
// ══════════════════════════════════════════════════════════════════════════════

const telegramText = `{"update_id":1,"message":{"message_id":5,"date":0,
	"chat":{"id":42,"type":"private"},"text":"Настройки"}}`

func TestTelegramWebhook_DispatchesMessage(t *testing.T) {
	events := &recordingHandler{err: errors.New("send failed")}
	mux := newWebhookMux(events, DefaultWebhookConfig())

	rec := post(t, mux, "/telegram/callback", telegramText, nil)

	assert.Equal(t, http.StatusOK, rec.Code, "handler errors are still acknowledged")
	got := events.waitEvents(t, 1)
	assert.Equal(t, messenger.Event{UserID: 42, Platform: subscription.PlatformTelegram, Text: "Настройки"}, got[0])
}

func TestTelegramWebhook_Secret(t *testing.T) {
	events := &recordingHandler{}
	cfg := DefaultWebhookConfig()
	cfg.TelegramSecret = "s3"
	mux := newWebhookMux(events, cfg)

	rec := post(t, mux, "/telegram/callback", telegramText, map[string]string{TelegramSecretHeader: "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, events.Events())

	rec = post(t, mux, "/telegram/callback", telegramText, map[string]string{TelegramSecretHeader: "s3"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, events.waitEvents(t, 1), 1)
}

func TestTelegramWebhook_IgnoresOtherUpdatesAndRejectsGarbage(t *testing.T) {
	events := &recordingHandler{}
	mux, h := newWebhooks(events, DefaultWebhookConfig())

	rec := post(t, mux, "/telegram/callback", `{"update_id":2,"edited_message":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, mux, "/telegram/callback", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, h.Shutdown(context.Background()))
	assert.Empty(t, events.Events())
}

// ══════════════════════════════════════════════════════════════════════════════
// VK
// ══════════════════════════════════════════════════════════════════════════════

func TestVKCallback_Confirmation(t *testing.T) {
	mux := newWebhookMux(&recordingHandler{}, DefaultWebhookConfig())

	rec := post(t, mux, "/vk/callback/a1b2c3", `{"type":"confirmation","group_id":1}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a1b2c3", rec.Body.String())
}

func TestVKCallback_ConfiguredConfirmationAndGroup(t *testing.T) {
	cfg := DefaultWebhookConfig()
	cfg.VKConfirmation = "fromenv"
	cfg.VKGroupID = 1
	mux := newWebhookMux(&recordingHandler{}, cfg)

	rec := post(t, mux, "/vk/callback/ignored", `{"type":"confirmation","group_id":1}`, nil)
	assert.Equal(t, "fromenv", rec.Body.String())

	rec = post(t, mux, "/vk/callback/ignored", `{"type":"confirmation","group_id":2}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestVKCallback_MessageAndEvent(t *testing.T) {
	events := &recordingHandler{}
	mux := newWebhookMux(events, DefaultWebhookConfig())

	rec := post(t, mux, "/vk/callback/x", `{"type":"message_new","group_id":1,
		"object":{"message":{"id":1,"peer_id":7,"from_id":7,"text":"Рассылка"}}}`, nil)
	assert.Equal(t, "ok", rec.Body.String())

	rec = post(t, mux, "/vk/callback/x", `{"type":"message_event","group_id":1,
		"object":{"user_id":7,"peer_id":7,"event_id":"e1","payload":"Советский, 8"}}`, nil)
	assert.Equal(t, "ok", rec.Body.String())

	got := events.waitEvents(t, 2)
	require.Len(t, got, 2)
	if got[0].Text != "Рассылка" {
		got[0], got[1] = got[1], got[0]
	}
	assert.Equal(t, "Рассылка", got[0].Text)
	assert.Equal(t, "Советский, 8", got[1].Payload)
	assert.Equal(t, "e1", got[1].EventID)
}

func TestVKCallback_RetryIsAcknowledgedAndIgnored(t *testing.T) {
	events := &recordingHandler{}
	mux := newWebhookMux(events, DefaultWebhookConfig())

	rec := post(t, mux, "/vk/callback/x", `{"type":"message_new","group_id":1,
		"object":{"message":{"id":1,"peer_id":7,"text":"Рассылка"}}}`, map[string]string{VKRetryHeader: "1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Empty(t, events.Events())
}

func TestVKCallback_Secret(t *testing.T) {
	events := &recordingHandler{}
	cfg := DefaultWebhookConfig()
	cfg.VKSecret = "s3"
	mux := newWebhookMux(events, cfg)

	rec := post(t, mux, "/vk/callback/x", `{"type":"message_new","group_id":1,"secret":"nope",
		"object":{"message":{"id":1,"peer_id":7,"text":"Рассылка"}}}`, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, events.Events())
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKERS
// ══════════════════════════════════════════════════════════════════════════════

// blockingHandler holds every event until release is closed.
type blockingHandler struct {
	recordingHandler
	started chan struct{}
	release chan struct{}
}

func (h *blockingHandler) HandleEvent(ctx context.Context, ev messenger.Event) error {
	h.started <- struct{}{}
	<-h.release
	return h.recordingHandler.HandleEvent(ctx, ev)
}

func TestWebhook_AcknowledgesBeforeHandling(t *testing.T) {
	events := &blockingHandler{started: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := DefaultWebhookConfig()
	cfg.Workers = 1
	mux, h := newWebhooks(events, cfg)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- post(t, mux, "/telegram/callback", telegramText, nil) }()

	select {
	case rec := <-done:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(time.Second):
		t.Fatal("webhook waited for the event handler")
	}
	<-events.started
	assert.Empty(t, events.Events())

	close(events.release)
	require.NoError(t, h.Shutdown(context.Background()))
	assert.Len(t, events.Events(), 1)
}

func TestWebhook_FullQueueRejectsWhenClientGivesUp(t *testing.T) {
	events := &blockingHandler{started: make(chan struct{}, 1), release: make(chan struct{})}
	cfg := DefaultWebhookConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	mux, h := newWebhooks(events, cfg)
	defer func() {
		close(events.release)
		require.NoError(t, h.Shutdown(context.Background()))
	}()

	rec := post(t, mux, "/telegram/callback", telegramText, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	<-events.started
	rec = post(t, mux, "/telegram/callback", telegramText, nil)
	require.Equal(t, http.StatusOK, rec.Code, "queued behind the busy worker")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/telegram/callback", strings.NewReader(telegramText)).WithContext(ctx)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_ShutdownDrainsAndRejectsLateEvents(t *testing.T) {
	events := &recordingHandler{}
	mux, h := newWebhooks(events, DefaultWebhookConfig())

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, post(t, mux, "/telegram/callback", telegramText, nil).Code)
	}
	require.NoError(t, h.Shutdown(context.Background()))
	assert.Len(t, events.Events(), 5)

	rec := post(t, mux, "/telegram/callback", telegramText, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.ErrorIs(t, h.Shutdown(context.Background()), ErrWebhooksClosed)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCompositeHealthChecker(t *testing.T) {
	start := time.Now().Add(-time.Hour)
	checker := NewCompositeHealthChecker("1.0.0", start)
	checker.AddCheck("store", NewPingCheck(pinger{}))
	checker.AddCheck("redis", NewPingCheck(pinger{err: errors.New("connection refused")}))

	status := checker.Check(context.Background())

	assert.False(t, status.Healthy)
	assert.Equal(t, "failed checks: redis", status.Message)
	assert.True(t, status.Checks["store"].Healthy)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
	assert.Equal(t, "1.0.0", status.Version)
	assert.Equal(t, "1h0m0s", status.Uptime)
}

func TestCompositeHealthChecker_TimesOutSlowChecks(t *testing.T) {
	checker := NewCompositeHealthChecker("", time.Now())
	checker.SetTimeout(20 * time.Millisecond)
	checker.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	status := checker.Check(context.Background())
	assert.False(t, status.Healthy)
}

func TestPollFreshnessCheck(t *testing.T) {
	now := time.Date(2024, 9, 2, 12, 0, 0, 0, time.UTC)
	var st PollStatus
	check := NewPollFreshnessCheck(func() PollStatus { return st }, 3*time.Hour, func() time.Time { return now })

	assert.NoError(t, check(context.Background()), "no run yet")

	st = PollStatus{LastRunAt: now.Add(-time.Minute), LastError: "upstream down"}
	assert.ErrorContains(t, check(context.Background()), "no successful poll yet")

	st.LastSuccessAt = now.Add(-time.Hour)
	assert.NoError(t, check(context.Background()))

	st.LastSuccessAt = now.Add(-4 * time.Hour)
	assert.ErrorContains(t, check(context.Background()), "upstream down")
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

func TestMiddlewareChain(t *testing.T) {
	var seenLogger bool
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenLogger = logger.FromContext(r.Context()) != nil
		if r.URL.Path == "/panic" {
			panic("boom")
		}
		w.WriteHeader(http.StatusNoContent)
	}), RequestID(logger.Discard()), Logging, Recovery)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.True(t, seenLogger)

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "1.2.3.4", ClientIP(req))
}

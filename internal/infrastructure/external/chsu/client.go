// Package chsu implements the university timetable API client.
// It signs in with service credentials, keeps the bearer token, and exposes
// the group and teacher directories and the timetable endpoints.
package chsu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the university API client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. http://api.chsu.ru/api
	BaseURL string

	// Username and Password are the service credentials for /auth/signin.
	Username string
	Password string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// RateLimiterConfig for API rate limiting.
	RateLimiterConfig RateLimiterConfig

	// Logger for structured logging.
	Logger *slog.Logger

	// Debug enables request logging.
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:           baseURL,
		Timeout:           15 * time.Second,
		RateLimiterConfig: DefaultRateLimiterConfig(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// ErrUnauthorized is returned when the API rejects freshly issued credentials.
var ErrUnauthorized = errors.New("chsu api: unauthorized")

// Client is the university API client. It is safe for concurrent use.
type Client struct {
	config      ClientConfig
	httpClient  *http.Client
	logger      *slog.Logger
	rateLimiter *RateLimiter
	breaker     *circuitbreaker.CircuitBreaker

	// Token management
	token   string
	tokenMu sync.RWMutex
	authMu  sync.Mutex
}

// NewClient creates a new university API client. A nil breaker disables
// circuit breaking.
func NewClient(config ClientConfig, breaker *circuitbreaker.CircuitBreaker) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger:      config.Logger.With("component", "chsu_client"),
		rateLimiter: NewRateLimiter(config.RateLimiterConfig),
		breaker:     breaker,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// AUTHENTICATION
// ══════════════════════════════════════════════════════════════════════════════

// SignIn obtains a new bearer token.
func (c *Client) SignIn(ctx context.Context) error {
	var resp SignInResponseDTO
	status, err := c.doSingleRequest(ctx, http.MethodPost, "/auth/signin", SignInRequestDTO{
		Username: c.config.Username,
		Password: c.config.Password,
	}, "", &resp)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	if status == http.StatusUnauthorized || resp.Data == "" {
		return fmt.Errorf("sign in: %w", ErrUnauthorized)
	}

	c.tokenMu.Lock()
	c.token = resp.Data
	c.tokenMu.Unlock()

	c.logger.Debug("signed in to schedule api")
	return nil
}

func (c *Client) currentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// refreshToken signs in again unless another goroutine already replaced stale.
func (c *Client) refreshToken(ctx context.Context, stale string) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if current := c.currentToken(); current != "" && current != stale {
		return nil
	}
	return c.SignIn(ctx)
}

// ══════════════════════════════════════════════════════════════════════════════
// DIRECTORY OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Groups fetches every student group.
func (c *Client) Groups(ctx context.Context) ([]GroupDTO, error) {
	var groups []GroupDTO
	if err := c.doRequest(ctx, "Groups", "/group/v1", &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Teachers fetches every lecturer.
func (c *Client) Teachers(ctx context.Context) ([]TeacherDTO, error) {
	var teachers []TeacherDTO
	if err := c.doRequest(ctx, "Teachers", "/teacher/v1", &teachers); err != nil {
		return nil, err
	}
	return teachers, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TIMETABLE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// Timetable fetches the classes of a group or lecturer within r.
func (c *Client) Timetable(ctx context.Context, kind schedule.EntityKind, id int64, r schedule.DateRange) ([]ClassDTO, error) {
	var idSegment string
	switch kind {
	case schedule.KindGroup:
		idSegment = "groupId"
	case schedule.KindProfessor:
		idSegment = "lecturerId"
	default:
		return nil, shared.NewDomainError("chsu", "Timetable", shared.ErrValidation, fmt.Sprintf("unknown entity kind %q", kind))
	}

	path := fmt.Sprintf("/timetable/v1/from/%s/to/%s/%s/%d/", r.From.String(), r.To.String(), idSegment, id)

	var classes []ClassDTO
	if err := c.doRequest(ctx, "Timetable", path, &classes); err != nil {
		return nil, err
	}
	return classes, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// doRequest performs an authorized GET through the rate limiter and circuit
// breaker. Every failure is returned as an UpstreamError.
func (c *Client) doRequest(ctx context.Context, op, path string, result any) error {
	call := func(ctx context.Context) error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		return c.doAuthorized(ctx, path, result)
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return shared.UpstreamError("chsu", op, err)
	}
	return nil
}

// doAuthorized signs in when there is no token yet and re-authenticates once
// on 401.
func (c *Client) doAuthorized(ctx context.Context, path string, result any) error {
	token := c.currentToken()
	if token == "" {
		if err := c.refreshToken(ctx, ""); err != nil {
			return err
		}
		token = c.currentToken()
	}

	status, err := c.doSingleRequest(ctx, http.MethodGet, path, nil, token, result)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized {
		return nil
	}

	c.logger.Info("schedule api token rejected, signing in again")
	if err := c.refreshToken(ctx, token); err != nil {
		return err
	}

	status, err = c.doSingleRequest(ctx, http.MethodGet, path, nil, c.currentToken(), result)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// doSingleRequest performs a single HTTP request. A 401 is reported through
// the status code only; other non-2xx responses are an *APIError.
func (c *Client) doSingleRequest(ctx context.Context, method, path string, body any, token string, result any) (int, error) {
	fullURL := c.config.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if c.config.Debug {
		c.logger.Debug("schedule api request", "method", method, "path", path)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Path: path, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH AND STATUS
// ══════════════════════════════════════════════════════════════════════════════

// ClientStatus is shown on the status page.
type ClientStatus struct {
	BaseURL         string                   `json:"base_url"`
	Authenticated   bool                     `json:"authenticated"`
	AvailableTokens float64                  `json:"available_tokens"`
	CircuitBreaker  *circuitbreaker.Snapshot `json:"circuit_breaker,omitempty"`
}

// Status returns the current status of the client without calling the API.
func (c *Client) Status() ClientStatus {
	st := ClientStatus{
		BaseURL:         c.config.BaseURL,
		Authenticated:   c.currentToken() != "",
		AvailableTokens: c.rateLimiter.Available(),
	}
	if c.breaker != nil {
		snap := c.breaker.Snapshot()
		st.CircuitBreaker = &snap
	}
	return st
}

// GetName returns the component name for status pages.
func (c *Client) GetName() string {
	return "chsu-api"
}

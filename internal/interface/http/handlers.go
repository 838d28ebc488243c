package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/external/chsu"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/scheduler"
	"github.com/chsu-bot/schedule-notifier/internal/infrastructure/scheduler/jobs"
	"github.com/chsu-bot/schedule-notifier/internal/interface/http/handlers"
	"github.com/chsu-bot/schedule-notifier/pkg/logger"
	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSES
// ══════════════════════════════════════════════════════════════════════════════

// StatusPage is the body of GET /.
type StatusPage struct {
	ServerTime  time.Time           `json:"server_time"`
	StartTime   time.Time           `json:"start_time"`
	Uptime      string              `json:"uptime"`
	Version     string              `json:"version,omitempty"`
	ScheduleAPI *chsu.ClientStatus  `json:"schedule_api,omitempty"`
	Store       StoreStatus         `json:"store"`
	Messengers  []string            `json:"messengers"`
	Mailing     *MailingStatus      `json:"mailing,omitempty"`
	Checker     *jobs.CheckerStatus `json:"change_checker,omitempty"`
	Jobs        []scheduler.JobInfo `json:"jobs"`
}

// StoreStatus describes the storage driver.
type StoreStatus struct {
	Driver    string `json:"driver"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
	Users     *int64 `json:"users,omitempty"`
}

// MailingStatus describes the daily mailing.
type MailingStatus struct {
	Enabled bool            `json:"enabled"`
	LastRun *MailingRunInfo `json:"last_run,omitempty"`
}

// MailingRunInfo summarises the last mailing tick.
type MailingRunInfo struct {
	RunID      string    `json:"run_id"`
	Minute     string    `json:"minute"`
	StartedAt  time.Time `json:"started_at"`
	Recipients int       `json:"recipients"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	handlers.HealthStatus
	LastSuccessfulPoll *time.Time `json:"last_successful_poll,omitempty"`
	LastPollError      string     `json:"last_poll_error,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleStatus serves the human-oriented status page.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Clock.Now()
	page := StatusPage{
		ServerTime: now,
		StartTime:  s.startedAt,
		Uptime:     timeutil.FormatUptime(now.Sub(s.startedAt)),
		Version:    s.config.Version,
		Store:      s.storeStatus(r.Context()),
		Messengers: []string{},
		Jobs:       []scheduler.JobInfo{},
	}

	if s.deps.ScheduleAPI != nil {
		st := s.deps.ScheduleAPI.Status()
		page.ScheduleAPI = &st
	}
	if s.deps.Messengers != nil {
		for _, m := range s.deps.Messengers.All() {
			page.Messengers = append(page.Messengers, m.GetName())
		}
		sort.Strings(page.Messengers)
	}
	if s.deps.Mailing != nil {
		page.Mailing = &MailingStatus{Enabled: s.deps.Mailing.Enabled()}
		if stats := s.deps.Mailing.LastRunStats(); stats != nil {
			page.Mailing.LastRun = &MailingRunInfo{
				RunID:      stats.RunID,
				Minute:     stats.Minute,
				StartedAt:  stats.StartedAt,
				Recipients: stats.Recipients,
				Delivered:  stats.Delivered,
				Failed:     stats.Failed,
			}
		}
	}
	if s.deps.Checker != nil {
		st := s.deps.Checker.Status()
		page.Checker = &st
	}
	for _, src := range s.deps.Jobs {
		page.Jobs = append(page.Jobs, src.Jobs()...)
	}

	writeJSON(w, http.StatusOK, page)
}

func (s *Server) storeStatus(ctx context.Context) StoreStatus {
	st := StoreStatus{Driver: s.deps.StoreDriver}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			st.Error = err.Error()
			return st
		}
		st.Reachable = true
	}
	if s.deps.Users != nil {
		if n, err := s.deps.Users.Count(ctx); err == nil {
			st.Users = &n
		} else {
			logger.FromContext(ctx).Warn("count users failed", logger.Err(err))
		}
	}
	return st
}

// handleHealth reports the aggregated checks and the last poll outcome.
// It answers 503 when any check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{}
	if s.deps.HealthChecker != nil {
		resp.HealthStatus = s.deps.HealthChecker.Check(r.Context())
	} else {
		now := s.deps.Clock.Now()
		resp.HealthStatus = handlers.HealthStatus{
			Healthy:   true,
			Uptime:    now.Sub(s.startedAt).Round(time.Second).String(),
			Timestamp: now.UTC(),
			Version:   s.config.Version,
		}
	}

	if s.deps.Checker != nil {
		st := s.deps.Checker.Status()
		if !st.LastSuccessAt.IsZero() {
			at := st.LastSuccessAt
			resp.LastSuccessfulPoll = &at
		}
		resp.LastPollError = st.LastError
	}

	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

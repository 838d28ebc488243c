package postgres

import (
	"context"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

// UserRepository implements subscription.UserRepository for PostgreSQL.
type UserRepository struct {
	conn *Connection
}

var _ subscription.UserRepository = (*UserRepository)(nil)

// NewUserRepository creates a new UserRepository.
func NewUserRepository(conn *Connection) *UserRepository {
	return &UserRepository{conn: conn}
}

// Get returns the user keyed by (platform, id).
func (r *UserRepository) Get(ctx context.Context, key subscription.Subscriber) (*subscription.User, bool, error) {
	var (
		u           subscription.User
		platform    string
		entityKind  string
		mailingTime *string
	)

	err := r.conn.QueryRow(ctx, `
		SELECT platform, user_id, entity_name, entity_kind, notify_on_change,
		       mailing_time, created_at, updated_at
		FROM users
		WHERE platform = $1 AND user_id = $2
	`, string(key.Platform), key.UserID).Scan(
		&platform,
		&u.ID,
		&u.Entity.Name,
		&entityKind,
		&u.NotifyOnChange,
		&mailingTime,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if IsNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, shared.StoreError("postgres", "GetUser", err)
	}

	u.Platform = subscription.Platform(platform)
	u.Entity.Kind = schedule.EntityKind(entityKind)
	if mailingTime != nil {
		u.MailingTime = *mailingTime
	}
	return &u, true, nil
}

// Save inserts or replaces the user.
func (r *UserRepository) Save(ctx context.Context, u *subscription.User) error {
	var mailingTime *string
	if u.MailingTime != "" {
		mailingTime = &u.MailingTime
	}

	_, err := r.conn.Exec(ctx, `
		INSERT INTO users (
			platform, user_id, entity_name, entity_kind, notify_on_change,
			mailing_time, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (platform, user_id) DO UPDATE SET
			entity_name = EXCLUDED.entity_name,
			entity_kind = EXCLUDED.entity_kind,
			notify_on_change = EXCLUDED.notify_on_change,
			mailing_time = EXCLUDED.mailing_time,
			updated_at = EXCLUDED.updated_at
	`,
		string(u.Platform),
		u.ID,
		u.Entity.Name,
		string(u.Entity.Kind),
		u.NotifyOnChange,
		mailingTime,
		u.CreatedAt,
		u.UpdatedAt,
	)
	if err != nil {
		return shared.StoreError("postgres", "SaveUser", err)
	}
	return nil
}

// FindByMailingTime returns users whose mailing time equals hhmm.
func (r *UserRepository) FindByMailingTime(ctx context.Context, hhmm string) ([]subscription.Subscriber, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT platform, user_id FROM users
		WHERE mailing_time = $1
		ORDER BY platform, user_id
	`, hhmm)
	if err != nil {
		return nil, shared.StoreError("postgres", "FindByMailingTime", err)
	}
	defer rows.Close()

	var out []subscription.Subscriber
	for rows.Next() {
		var platform string
		var s subscription.Subscriber
		if err := rows.Scan(&platform, &s.UserID); err != nil {
			return nil, shared.StoreError("postgres", "FindByMailingTime", err)
		}
		s.Platform = subscription.Platform(platform)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.StoreError("postgres", "FindByMailingTime", err)
	}
	return out, nil
}

// Count returns the number of stored users.
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.conn.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, shared.StoreError("postgres", "CountUsers", err)
	}
	return n, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/internal/domain/subscription"
)

// ══════════════════════════════════════════════════════════════════════════════
// TRACKED ENTITY REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// EntityRepository stores tracked entities with their hash collections and
// subscriber sets. It implements schedule.HashRepository and subscription.Registry.
type EntityRepository struct {
	conn *Connection
}

var (
	_ schedule.HashRepository = (*EntityRepository)(nil)
	_ subscription.Registry   = (*EntityRepository)(nil)
)

// NewEntityRepository creates a new EntityRepository.
func NewEntityRepository(conn *Connection) *EntityRepository {
	return &EntityRepository{conn: conn}
}

// hashRecord is the JSONB element of tracked_entities.hashes.
type hashRecord struct {
	Date string `json:"date"`
	Hash string `json:"hash"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Hashes
// ─────────────────────────────────────────────────────────────────────────────

// SwapHashes implements schedule.HashRepository. The entity row is locked
// with SELECT ... FOR UPDATE so concurrent swaps of one entity serialize.
func (r *EntityRepository) SwapHashes(ctx context.Context, entity string, next schedule.HashCollection) (schedule.HashCollection, bool, error) {
	var previous schedule.HashCollection

	payload, err := encodeHashes(next.Hashes)
	if err != nil {
		return previous, false, shared.StoreError("postgres", "SwapHashes", err)
	}

	var found bool
	err = r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tracked_entities (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, entity); err != nil {
			return fmt.Errorf("failed to upsert entity: %w", err)
		}

		var (
			raw      []byte
			polledOn *time.Time
		)
		if err := tx.QueryRow(ctx,
			`SELECT hashes, polled_on FROM tracked_entities WHERE name = $1 FOR UPDATE`, entity).Scan(&raw, &polledOn); err != nil {
			return fmt.Errorf("failed to lock entity: %w", err)
		}
		if raw != nil {
			hashes, err := decodeHashes(raw)
			if err != nil {
				return err
			}
			found = true
			previous.Hashes = hashes
			if polledOn != nil {
				previous.PolledOn = schedule.DateOf(*polledOn)
			}
		}

		_, err := tx.Exec(ctx,
			`UPDATE tracked_entities SET hashes = $2, polled_on = $3, updated_at = NOW() WHERE name = $1`,
			entity, payload, dateParam(next.PolledOn))
		return err
	})
	if err != nil {
		return schedule.HashCollection{}, false, shared.StoreError("postgres", "SwapHashes", err)
	}

	return previous, found, nil
}

// dateParam maps the zero date to NULL.
func dateParam(d schedule.Date) *time.Time {
	if d.IsZero() {
		return nil
	}
	t := d.Time(time.UTC)
	return &t
}

func encodeHashes(hashes []schedule.DateHash) ([]byte, error) {
	records := make([]hashRecord, 0, len(hashes))
	for _, h := range hashes {
		records = append(records, hashRecord{Date: h.Date.ISO(), Hash: h.Hash})
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hashes: %w", err)
	}
	return data, nil
}

func decodeHashes(raw []byte) ([]schedule.DateHash, error) {
	var records []hashRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hashes: %w", err)
	}

	out := make([]schedule.DateHash, 0, len(records))
	for _, rec := range records {
		d, err := schedule.ParseISODate(rec.Date)
		if err != nil {
			return nil, err
		}
		out = append(out, schedule.DateHash{Date: d, Hash: rec.Hash})
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Subscribers
// ─────────────────────────────────────────────────────────────────────────────

// Add implements subscription.Registry.
func (r *EntityRepository) Add(ctx context.Context, entity string, s subscription.Subscriber) error {
	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tracked_entities (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, entity); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO entity_subscribers (entity_name, platform, user_id)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, entity, string(s.Platform), s.UserID)
		return err
	})
	if err != nil {
		return shared.StoreError("postgres", "AddSubscriber", err)
	}
	return nil
}

// Remove implements subscription.Registry.
func (r *EntityRepository) Remove(ctx context.Context, entity string, s subscription.Subscriber) (bool, error) {
	var pruned bool

	err := r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		var name string
		err := tx.QueryRow(ctx, `SELECT name FROM tracked_entities WHERE name = $1 FOR UPDATE`, entity).Scan(&name)
		if IsNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM entity_subscribers
			WHERE entity_name = $1 AND platform = $2 AND user_id = $3
		`, entity, string(s.Platform), s.UserID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM tracked_entities t
			WHERE t.name = $1
			  AND NOT EXISTS (SELECT 1 FROM entity_subscribers s WHERE s.entity_name = t.name)
		`, entity)
		if err != nil {
			return err
		}
		pruned = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, shared.StoreError("postgres", "RemoveSubscriber", err)
	}
	return pruned, nil
}

// Subscribers implements subscription.Registry.
func (r *EntityRepository) Subscribers(ctx context.Context, entity string) ([]subscription.Subscriber, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT platform, user_id FROM entity_subscribers
		WHERE entity_name = $1
		ORDER BY platform, user_id
	`, entity)
	if err != nil {
		return nil, shared.StoreError("postgres", "Subscribers", err)
	}
	defer rows.Close()

	var out []subscription.Subscriber
	for rows.Next() {
		var platform string
		var s subscription.Subscriber
		if err := rows.Scan(&platform, &s.UserID); err != nil {
			return nil, shared.StoreError("postgres", "Subscribers", err)
		}
		s.Platform = subscription.Platform(platform)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, shared.StoreError("postgres", "Subscribers", err)
	}
	return out, nil
}

// Entities implements subscription.Registry.
func (r *EntityRepository) Entities(ctx context.Context) ([]string, error) {
	rows, err := r.conn.Query(ctx, `SELECT DISTINCT entity_name FROM entity_subscribers ORDER BY entity_name`)
	if err != nil {
		return nil, shared.StoreError("postgres", "Entities", err)
	}
	defer rows.Close()

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, shared.StoreError("postgres", "Entities", err)
	}
	return names, nil
}

// Orphans implements subscription.Registry.
func (r *EntityRepository) Orphans(ctx context.Context) ([]string, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT t.name FROM tracked_entities t
		WHERE NOT EXISTS (SELECT 1 FROM entity_subscribers s WHERE s.entity_name = t.name)
		ORDER BY t.name
	`)
	if err != nil {
		return nil, shared.StoreError("postgres", "Orphans", err)
	}
	defer rows.Close()

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, shared.StoreError("postgres", "Orphans", err)
	}
	return names, nil
}

// PruneOrphan implements subscription.Registry. It must run under the entity
// lock: a DELETE racing an uncommitted Add would cascade over the new
// subscriber row once Add commits.
func (r *EntityRepository) PruneOrphan(ctx context.Context, entity string) (bool, error) {
	tag, err := r.conn.Exec(ctx, `
		DELETE FROM tracked_entities t
		WHERE t.name = $1
		  AND NOT EXISTS (SELECT 1 FROM entity_subscribers s WHERE s.entity_name = t.name)
	`, entity)
	if err != nil {
		return false, shared.StoreError("postgres", "PruneOrphan", err)
	}
	return tag.RowsAffected() > 0, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"signout/internal/ledger/models"
	signoutmodels "signout/internal/signout/models"
	id "signout/pkg/domain"
	"signout/pkg/platform/sentinel"
	"signout/pkg/platform/tx"
)

// Schema creates the ledger table. Migrate applies it idempotently.
const Schema = `
CREATE TABLE IF NOT EXISTS signout_ledger (
	notification_id   UUID        NOT NULL,
	direction         TEXT        NOT NULL,
	status            TEXT        NOT NULL,
	attempts          INTEGER     NOT NULL DEFAULT 0,
	tenant_id         TEXT        NOT NULL,
	user_key          TEXT        NOT NULL,
	originator_app_id TEXT        NOT NULL,
	issued_at         TIMESTAMPTZ NOT NULL,
	recorded_at       TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (notification_id, direction)
);
CREATE INDEX IF NOT EXISTS signout_ledger_pending_idx
	ON signout_ledger (recorded_at) WHERE direction = 'outbound' AND status = 'pending';
`

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

const selectColumns = `notification_id, direction, status, attempts, tenant_id, user_key,
	originator_app_id, issued_at, recorded_at, updated_at`

func (p *Postgres) Record(ctx context.Context, entry *models.Entry) error {
	n := entry.Notification
	res, err := tx.ExecutorFor(ctx, p.db).ExecContext(ctx, `
		INSERT INTO signout_ledger (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (notification_id, direction) DO NOTHING`,
		uuid.UUID(n.ID), string(entry.Direction), string(entry.Status), entry.Attempts,
		n.TenantID.String(), n.UserKey.String(), n.OriginatorAppID.String(),
		n.IssuedAt, entry.RecordedAt, entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("ledger entry %s/%s: %w", entry.Direction, n.ID, sentinel.ErrAlreadyExists)
	}
	return nil
}

func (p *Postgres) Find(ctx context.Context, direction models.Direction, notificationID id.NotificationID) (*models.Entry, error) {
	row := tx.ExecutorFor(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM signout_ledger WHERE notification_id = $1 AND direction = $2`,
		uuid.UUID(notificationID), string(direction),
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger entry %s/%s: %w", direction, notificationID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return e, nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, notificationID id.NotificationID, status models.Status, attempts int, now time.Time) error {
	res, err := tx.ExecutorFor(ctx, p.db).ExecContext(ctx, `
		UPDATE signout_ledger SET status = $1, attempts = $2, updated_at = $3
		WHERE notification_id = $4 AND direction = 'outbound'`,
		string(status), attempts, now, uuid.UUID(notificationID),
	)
	if err != nil {
		return fmt.Errorf("update ledger status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ledger status: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("ledger entry %s: %w", notificationID, sentinel.ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := tx.ExecutorFor(ctx, p.db).QueryContext(ctx, `
		SELECT `+selectColumns+` FROM signout_ledger
		WHERE direction = 'outbound' AND status = 'pending' AND recorded_at < $1
		ORDER BY recorded_at
		LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*models.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Purge deletes terminal entries recorded before cutoff.
func (p *Postgres) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	statuses := make([]string, len(models.TerminalStatuses))
	for i, s := range models.TerminalStatuses {
		statuses[i] = string(s)
	}
	res, err := tx.ExecutorFor(ctx, p.db).ExecContext(ctx, `
		DELETE FROM signout_ledger WHERE recorded_at < $1 AND status = ANY($2)`,
		cutoff, pq.Array(statuses),
	)
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*models.Entry, error) {
	var (
		nid                             uuid.UUID
		direction, status               string
		attempts                        int
		tenantID, userKey, originator   string
		issuedAt, recordedAt, updatedAt time.Time
	)
	if err := s.Scan(&nid, &direction, &status, &attempts, &tenantID, &userKey, &originator,
		&issuedAt, &recordedAt, &updatedAt); err != nil {
		return nil, err
	}
	return &models.Entry{
		Direction: models.Direction(strings.TrimSpace(direction)),
		Status:    models.Status(strings.TrimSpace(status)),
		Attempts:  attempts,
		Notification: signoutmodels.Notification{
			ID:              id.NotificationID(nid),
			TenantID:        id.TenantID(tenantID),
			UserKey:         id.UserKey(userKey),
			OriginatorAppID: id.AppID(originator),
			IssuedAt:        issuedAt.UTC(),
		},
		RecordedAt: recordedAt.UTC(),
		UpdatedAt:  updatedAt.UTC(),
	}, nil
}

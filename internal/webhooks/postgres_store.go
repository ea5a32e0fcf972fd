package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore keeps subscriptions in the webhooks table
// (migrations/002_webhooks.sql). Events are a TEXT[] column.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectSubscription = `
	SELECT id, user_id, url, secret, events, active, created_at,
	       last_success, COALESCE(last_error, ''), consecutive_failures
	FROM webhooks`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, user_id, url, secret, events, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, pq.Array(eventNames(sub.Events)), sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook %s: %w", sub.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, selectSubscription+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// ListByUser is newest first.
func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, selectSubscription+` WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Update writes delivery health and the active flag. URL, secret and events
// are fixed at creation.
func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	var lastError sql.NullString
	if sub.LastError != "" {
		lastError = sql.NullString{String: sub.LastError, Valid: true}
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhooks
		 SET active = $2, last_success = $3, last_error = $4, consecutive_failures = $5
		 WHERE id = $1`,
		sub.ID, sub.Active, sub.LastSuccess, lastError, sub.ConsecutiveFailures)
	return oneRow(res, err)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	return oneRow(p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id))
}

func oneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	switch n, err := res.RowsAffected(); {
	case err != nil:
		return err
	case n == 0:
		return ErrNotFound
	}
	return nil
}

func eventNames(events []EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func scanSubscription(row interface{ Scan(...any) error }) (*Subscription, error) {
	var (
		sub         Subscription
		events      []string
		lastSuccess sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, pq.Array(&events), &sub.Active,
		&sub.CreatedAt, &lastSuccess, &sub.LastError, &sub.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		sub.Events = append(sub.Events, EventType(e))
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	return &sub, nil
}

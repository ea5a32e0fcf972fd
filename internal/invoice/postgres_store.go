package invoice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists invoices in PostgreSQL. The on-chain sub-record and
// the audit trail are stored as JSONB documents alongside the scalar columns.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `id, user_id, client_id, contract_id, pay_link_token,
		       amount, currency, status, meta_uri, onchain, audit,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	onchainJSON, auditJSON, err := marshalDocs(inv)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO invoices (
			id, user_id, client_id, contract_id, pay_link_token,
			amount, currency, status, meta_uri, onchain, audit,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		inv.ID, inv.UserID, nullString(inv.ClientID), nullString(inv.ContractID), nullString(inv.PayLinkToken),
		inv.Amount, inv.Currency, string(inv.Status), nullString(inv.MetaURI), onchainJSON, auditJSON,
		inv.CreatedAt, inv.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return inv, err
}

func (p *PostgresStore) GetByPayLinkToken(ctx context.Context, token string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE pay_link_token = $1`, token)
	inv, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return inv, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanInvoices(rows)
}

func (p *PostgresStore) ListAll(ctx context.Context) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanInvoices(rows)
}

// Update overwrites the mutable columns. There is no version check: the last
// writer wins.
func (p *PostgresStore) Update(ctx context.Context, inv *Invoice) error {
	onchainJSON, auditJSON, err := marshalDocs(inv)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET
			status = $1, meta_uri = $2, onchain = $3, audit = $4, updated_at = $5
		WHERE id = $6`,
		string(inv.Status), nullString(inv.MetaURI), onchainJSON, auditJSON, inv.UpdatedAt,
		inv.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalDocs(inv *Invoice) (onchainJSON, auditJSON []byte, err error) {
	onchainJSON, err = json.Marshal(inv.Onchain)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal onchain record: %w", err)
	}
	audit := inv.Audit
	if audit == nil {
		audit = []AuditEntry{}
	}
	auditJSON, err = json.Marshal(audit)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal audit trail: %w", err)
	}
	return onchainJSON, auditJSON, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(s scanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		clientID     sql.NullString
		contractID   sql.NullString
		payLinkToken sql.NullString
		metaURI      sql.NullString
		status       string
		onchainJSON  []byte
		auditJSON    []byte
	)

	err := s.Scan(
		&inv.ID, &inv.UserID, &clientID, &contractID, &payLinkToken,
		&inv.Amount, &inv.Currency, &status, &metaURI, &onchainJSON, &auditJSON,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Status = Status(status)
	inv.ClientID = clientID.String
	inv.ContractID = contractID.String
	inv.PayLinkToken = payLinkToken.String
	inv.MetaURI = metaURI.String
	if len(onchainJSON) > 0 {
		if err := json.Unmarshal(onchainJSON, &inv.Onchain); err != nil {
			return nil, fmt.Errorf("decode onchain record for %s: %w", inv.ID, err)
		}
	}
	if len(auditJSON) > 0 {
		if err := json.Unmarshal(auditJSON, &inv.Audit); err != nil {
			return nil, fmt.Errorf("decode audit trail for %s: %w", inv.ID, err)
		}
	}
	return inv, nil
}

func scanInvoices(rows *sql.Rows) ([]*Invoice, error) {
	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

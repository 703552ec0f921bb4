package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"swapguard/internal/model"
	"swapguard/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT        NOT NULL,
	chain_id    BIGINT      NOT NULL,
	subject     TEXT        NOT NULL,
	path        TEXT[],
	level       TEXT,
	ok          BOOLEAN     NOT NULL,
	reason      TEXT        NOT NULL,
	checked_at  TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_records_subject_idx ON audit_records (chain_id, subject, checked_at DESC);
`

// Store provides Postgres persistence for audit records.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.AuditSink = (*Store)(nil)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the audit table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// PutAuditBatch inserts audit records in one round trip.
func (s *Store) PutAuditBatch(ctx context.Context, records []model.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		checkedAt, err := time.Parse(time.RFC3339, r.CheckedAt)
		if err != nil {
			checkedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO audit_records (kind, chain_id, subject, path, level, ok, reason, checked_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`,
			r.Kind,
			int64(r.ChainID),
			r.Subject,
			r.Path,
			r.Level,
			r.OK,
			r.Reason,
			checkedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}
	return nil
}

// LatestVerdict returns the most recent token verdict stored for subject.
func (s *Store) LatestVerdict(ctx context.Context, chainID uint64, subject string) (model.Verdict, bool, error) {
	if subject == "" {
		return model.Verdict{}, false, fmt.Errorf("subject required")
	}
	var verdict model.Verdict
	row := s.pool.QueryRow(ctx, `
		SELECT ok, reason FROM audit_records
		WHERE kind = $1 AND chain_id = $2 AND subject = $3
		ORDER BY checked_at DESC
		LIMIT 1
	`, model.AuditKindVerify, int64(chainID), subject)
	if err := row.Scan(&verdict.OK, &verdict.Reason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Verdict{}, false, nil
		}
		return model.Verdict{}, false, err
	}
	if verdict.OK {
		verdict.Reason = ""
	}
	return verdict, true, nil
}

// RedactDSN hides the password of a connection string for logging.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"forgeflow.dev/sessiond/core/db"
)

const walSchema = `
CREATE TABLE IF NOT EXISTS wal_records (
    seq         BIGSERIAL PRIMARY KEY,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    kind        TEXT NOT NULL,
    payload     JSONB NOT NULL
)`

// PostgresWAL stores records in an append-only table. The scheduler is the
// only writer, so a plain BIGSERIAL gives a total replay order.
type PostgresWAL struct {
	db *db.DB
}

func NewPostgresWAL(ctx context.Context, database *db.DB) (*PostgresWAL, error) {
	if _, err := database.Pool().Exec(ctx, walSchema); err != nil {
		return nil, fmt.Errorf("ensuring wal schema: %w", err)
	}
	return &PostgresWAL{db: database}, nil
}

func (w *PostgresWAL) Append(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshaling record: %v", ErrStoreWrite, err)
	}

	_, err = w.db.Pool().Exec(ctx,
		`INSERT INTO wal_records (kind, payload) VALUES ($1, $2)`,
		string(rec.Kind), payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}

func (w *PostgresWAL) Replay(ctx context.Context, fn func(Record) error) error {
	rows, err := w.db.Pool().Query(ctx,
		`SELECT seq, payload FROM wal_records ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("querying wal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq     int64
			payload []byte
		)
		if err := rows.Scan(&seq, &payload); err != nil {
			return fmt.Errorf("scanning wal row: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshaling wal record %d: %w", seq, err)
		}
		rec.Seq = seq

		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (w *PostgresWAL) Export(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := w.Replay(ctx, func(rec Record) error {
		records = append(records, rec)
		return nil
	}); err != nil {
		return nil, err
	}
	return records, nil
}

// Import restores an exported log. It refuses to write into a non-empty
// store: restore is for fresh instances only.
func (w *PostgresWAL) Import(ctx context.Context, recs []Record) error {
	return w.db.WithTx(ctx, func(tx pgx.Tx) error {
		var count int64
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM wal_records`).Scan(&count); err != nil {
			return fmt.Errorf("counting wal records: %w", err)
		}
		if count > 0 {
			return ErrNotEmpty
		}

		for _, rec := range recs {
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshaling record %d: %w", rec.Seq, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO wal_records (kind, payload) VALUES ($1, $2)`,
				string(rec.Kind), payload); err != nil {
				return fmt.Errorf("inserting record %d: %w", rec.Seq, err)
			}
		}
		return nil
	})
}

// Package journal persists settlement workflow progress in a SQL table so a
// restart can find work a previous run left open.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/ligun0805/usdc-settler/internal/settlement"
)

var ErrNotFound = errors.New("settlement not found")

// Store implements settlement.Journal using database/sql.
// It supports both Postgres and SQLite; both accept $n placeholders.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ settlement.Journal = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects with driver "sqlite" or "postgres" and creates the table.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s journal: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer; avoids SQLITE_BUSY between workflows
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s journal: %w", driver, err)
	}
	s := New(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS settlements (
	order_id   TEXT PRIMARY KEY,
	source_tx  TEXT NOT NULL,
	log_index  BIGINT NOT NULL,
	payer      TEXT NOT NULL,
	amount     TEXT NOT NULL,
	meta_data  TEXT NOT NULL,
	state      TEXT NOT NULL,
	tx_hash    TEXT NOT NULL DEFAULT '',
	gas_limit  BIGINT NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS settlements_state_idx ON settlements (state);
`

func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Begin records a started workflow. An existing row is only reset when it was
// rejected before any settlement tx was broadcast; any other existing row
// yields settlement.ErrDuplicateOrder and is left untouched.
func (s *Store) Begin(ctx context.Context, r settlement.Record) error {
	now := s.now()
	query := `
		INSERT INTO settlements (order_id, source_tx, log_index, payer, amount, meta_data, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (order_id) DO UPDATE
		SET state = excluded.state, tx_hash = '', gas_limit = 0, reason = '', updated_at = excluded.updated_at
		WHERE settlements.state = $10 AND settlements.tx_hash = ''
	`
	amount := "0"
	if r.Amount != nil {
		amount = r.Amount.String()
	}
	res, err := s.db.ExecContext(ctx, query,
		r.OrderID, hashText(r.SourceTx), int64(r.LogIndex), r.Payer.Hex(), amount, r.MetaData, string(r.State), now, now,
		string(settlement.StateRejected),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", settlement.ErrDuplicateOrder, r.OrderID)
	}
	return nil
}

// Advance moves an order to a non-terminal state once its tx hash is known.
func (s *Store) Advance(ctx context.Context, orderID string, st settlement.State, txHash common.Hash) error {
	query := `UPDATE settlements SET state = $1, tx_hash = $2, updated_at = $3 WHERE order_id = $4`
	res, err := s.db.ExecContext(ctx, query, string(st), hashText(txHash), s.now(), orderID)
	if err != nil {
		return err
	}
	return expectRow(res, orderID)
}

// Finish stores the terminal outcome. Zero tx hash / gas keep the stored values.
func (s *Store) Finish(ctx context.Context, orderID string, o settlement.Outcome) error {
	reason := ""
	if o.Err != nil {
		reason = o.Err.Error()
	}
	query := `
		UPDATE settlements
		SET state = $1,
			tx_hash = COALESCE(NULLIF($2, ''), tx_hash),
			gas_limit = COALESCE(NULLIF($3, 0), gas_limit),
			reason = $4,
			updated_at = $5
		WHERE order_id = $6
	`
	res, err := s.db.ExecContext(ctx, query, string(o.State), hashText(o.TxHash), int64(o.GasLimit), reason, s.now(), orderID)
	if err != nil {
		return err
	}
	return expectRow(res, orderID)
}

const columns = `order_id, source_tx, log_index, payer, amount, meta_data, state, tx_hash, gas_limit, reason, created_at, updated_at`

// List returns rows newest first, optionally restricted to some states.
func (s *Store) List(ctx context.Context, f settlement.Filter) ([]settlement.Record, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT ` + columns + ` FROM settlements`)
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			args = append(args, string(st))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		b.WriteString(` WHERE state IN (` + strings.Join(ph, ", ") + `)`)
	}
	b.WriteString(` ORDER BY created_at DESC, order_id`)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]settlement.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanRecord(rows *sql.Rows) (settlement.Record, error) {
	var (
		r                                      settlement.Record
		sourceTx, payer, amount, state, txHash string
		logIndex, gasLimit                     int64
	)
	err := rows.Scan(&r.OrderID, &sourceTx, &logIndex, &payer, &amount, &r.MetaData, &state,
		&txHash, &gasLimit, &r.Reason, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return r, fmt.Errorf("order %s: bad amount %q", r.OrderID, amount)
	}
	r.Amount = v
	r.SourceTx = common.HexToHash(sourceTx)
	r.LogIndex = uint(logIndex)
	r.Payer = common.HexToAddress(payer)
	r.State = settlement.State(state)
	if txHash != "" {
		r.TxHash = common.HexToHash(txHash)
	}
	r.GasLimit = uint64(gasLimit)
	return r, nil
}

func expectRow(res sql.Result, orderID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return nil
}

func hashText(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

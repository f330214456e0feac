package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/remote"
)

//go:embed schema.sql
var schemaSQL string

const notifyChannel = "row_changes"

// Store is a remote.Client over a Postgres database. Rows travel as jsonb so
// the generic table calls need no per-table scanning code; change events come
// from the notify_row_change trigger over LISTEN/NOTIFY.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 30
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Select(ctx context.Context, table string, filter remote.Filter, order *remote.Order) ([]remote.Row, error) {
	if err := remote.ValidateTable(table); err != nil {
		return nil, err
	}
	where, args, err := whereClause(filter, 1)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT to_jsonb(t) FROM %s AS t%s`, ident(table), where)
	if order != nil && order.Column != "" {
		if err := remote.ValidateColumn(order.Column); err != nil {
			return nil, err
		}
		direction := "ASC"
		if order.Desc {
			direction = "DESC"
		}
		query += fmt.Sprintf(` ORDER BY t.%s %s`, ident(order.Column), direction)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]remote.Row, 0, 32)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		row, err := decodeRow(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, table string, row remote.Row) (remote.Row, error) {
	if err := remote.ValidateTable(table); err != nil {
		return nil, err
	}
	columns, payload, err := columnsAndPayload(row)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s AS t (%[2]s)
		SELECT %[2]s FROM jsonb_populate_record(NULL::%[1]s, $1::jsonb)
		RETURNING to_jsonb(t)
	`, ident(table), columns)

	var out []byte
	if err := s.pool.QueryRow(ctx, query, payload).Scan(&out); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", remote.ErrDuplicate, table)
		}
		return nil, err
	}
	return decodeRow(out)
}

func (s *Store) Update(ctx context.Context, table string, filter remote.Filter, patch remote.Row) error {
	if err := remote.ValidateTable(table); err != nil {
		return err
	}
	if len(filter) == 0 {
		return fmt.Errorf("%w: update without filter", remote.ErrInvalidRow)
	}
	patch = patch.Clone()
	delete(patch, "id")
	_, payload, err := columnsAndPayload(patch)
	if err != nil {
		return err
	}
	sets := make([]string, 0, len(patch))
	for _, column := range sortedColumns(patch) {
		sets = append(sets, fmt.Sprintf(`%[1]s = r.%[1]s`, ident(column)))
	}
	where, args, err := whereClause(filter, 2)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %[1]s AS t SET %[2]s
		FROM jsonb_populate_record(NULL::%[1]s, $1::jsonb) AS r%[3]s
	`, ident(table), strings.Join(sets, ", "), where)
	_, err = s.pool.Exec(ctx, query, append([]any{payload}, args...)...)
	return classifyWriteError(err)
}

func (s *Store) Delete(ctx context.Context, table string, filter remote.Filter) error {
	if err := remote.ValidateTable(table); err != nil {
		return err
	}
	if len(filter) == 0 {
		return fmt.Errorf("%w: delete without filter", remote.ErrInvalidRow)
	}
	where, args, err := whereClause(filter, 1)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s AS t%s`, ident(table), where), args...)
	return err
}

type notification struct {
	Table string           `json:"table"`
	Type  domain.EventType `json:"type"`
	Row   remote.Row       `json:"row"`
}

// Subscribe holds one pooled connection in LISTEN mode until cancelled.
// Payloads are capped by Postgres at 8000 bytes; rows here stay well below.
func (s *Store) Subscribe(ctx context.Context, table string, filter remote.Filter) (<-chan remote.ChangeEvent, remote.CancelFunc, error) {
	if err := remote.ValidateTable(table); err != nil {
		return nil, nil, err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	feed := remote.NewFeed()
	go func() {
		defer func() {
			cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cleanupCancel()
			if _, err := conn.Exec(cleanupCtx, "UNLISTEN "+notifyChannel); err != nil {
				_ = conn.Conn().Close(cleanupCtx)
			}
			conn.Release()
			feed.Close()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					s.logger.Warn("change feed stopped", zap.String("table", table), zap.Error(err))
				}
				return
			}
			var msg notification
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				s.logger.Warn("malformed change notification", zap.String("table", table), zap.Error(err))
				continue
			}
			if msg.Table != table || !filter.Matches(msg.Row) {
				continue
			}
			feed.Publish(remote.ChangeEvent{Type: msg.Type, Table: msg.Table, Row: msg.Row})
		}
	}()

	return feed.Events(), remote.CancelFunc(cancel), nil
}

func whereClause(filter remote.Filter, firstArg int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	for i, column := range filter.Columns() {
		if err := remote.ValidateColumn(column); err != nil {
			return "", nil, err
		}
		parts = append(parts, fmt.Sprintf("t.%s::text = $%d", ident(column), firstArg+i))
		args = append(args, fmt.Sprint(filter[column]))
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func columnsAndPayload(row remote.Row) (string, string, error) {
	if len(row) == 0 {
		return "", "", fmt.Errorf("%w: empty row", remote.ErrInvalidRow)
	}
	cols := sortedColumns(row)
	quoted := make([]string, 0, len(cols))
	for _, column := range cols {
		if err := remote.ValidateColumn(column); err != nil {
			return "", "", err
		}
		quoted = append(quoted, ident(column))
	}
	payload, err := json.Marshal(row)
	if err != nil {
		return "", "", err
	}
	return strings.Join(quoted, ", "), string(payload), nil
}

func sortedColumns(row remote.Row) []string {
	f := make(remote.Filter, len(row))
	for k := range row {
		f[k] = nil
	}
	return f.Columns()
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func decodeRow(payload []byte) (remote.Row, error) {
	var row remote.Row
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// classifyWriteError marks errors that leave it open whether the statement
// ran. A server error or a failure before anything was sent did not apply it.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || pgconn.SafeToRetry(err) {
		return err
	}
	return fmt.Errorf("%w: %w", remote.ErrOutcomeUnknown, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

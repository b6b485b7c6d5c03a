// Package postgres persists aggregate-table rows in PostgreSQL. Rows are
// append-only: a bucket rewrite inserts a new version and reads pick the
// newest one, mirroring the in-memory table's multi-version contract.
package postgres

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/nautaa/OpenMLDB/internal/core/codec"
	"github.com/nautaa/OpenMLDB/internal/core/table"
)

const (
	queryInsertRow = `
		INSERT INTO aggr_rows (tid, idx, tkey, ts, put_time, value)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	// id DESC breaks ties between versions of the same bucket: newest insert
	// wins, matching the traverse contract.
	querySnapshot = `
		SELECT tkey, ts, value
		FROM aggr_rows
		WHERE tid = $1 AND idx = $2
		ORDER BY tkey ASC, ts DESC, id DESC
	`

	queryCountRows = `SELECT COUNT(*) FROM aggr_rows WHERE tid = $1`
)

// Open dials PostgreSQL and verifies the connection.
func Open(dsn string, maxOpenConns, maxIdleConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Adapter implements table.Table over the aggr_rows table.
type Adapter struct {
	db        *sql.DB
	meta      *codec.TableMeta
	rowView   *codec.RowView
	tsColIdx  int
	tsColType codec.DataType
}

// NewAdapter creates an adapter sharing the given connection. The table's ts
// column orders rows inside each key and must be timestamp or bigint.
func NewAdapter(db *sql.DB, meta *codec.TableMeta) (*Adapter, error) {
	tsIdx := meta.Schema.IndexOf(meta.TsCol)
	if tsIdx < 0 {
		return nil, fmt.Errorf("ts column %q not in schema of table %q", meta.TsCol, meta.Name)
	}
	tsType := meta.Schema[tsIdx].Type
	if tsType != codec.TypeTimestamp && tsType != codec.TypeBigInt {
		return nil, fmt.Errorf("ts column %q of table %q is %s, want timestamp or bigint",
			meta.TsCol, meta.Name, tsType)
	}
	return &Adapter{
		db:        db,
		meta:      meta,
		rowView:   codec.NewRowView(meta.Schema),
		tsColIdx:  tsIdx,
		tsColType: tsType,
	}, nil
}

func (a *Adapter) indexTS(row []byte) (int64, error) {
	if a.tsColType == codec.TypeBigInt {
		return a.rowView.GetInt64(row, a.tsColIdx)
	}
	return a.rowView.GetTimestamp(row, a.tsColIdx)
}

// Put inserts the row once per dimension.
func (a *Adapter) Put(time int64, row []byte, dims []table.Dimension) error {
	if len(dims) == 0 {
		return fmt.Errorf("put to table %q without dimensions", a.meta.Name)
	}
	ts, err := a.indexTS(row)
	if err != nil {
		return fmt.Errorf("extract ts for table %q: %w", a.meta.Name, err)
	}
	for _, dim := range dims {
		if _, err := a.db.Exec(queryInsertRow, a.meta.Tid, dim.Idx, dim.Key, ts, time, row); err != nil {
			return fmt.Errorf("insert row for key %q: %w", dim.Key, err)
		}
	}
	return nil
}

// NewTraverseIterator snapshots the index into memory and iterates the
// snapshot. Aggregate tables stay small (one row per closed bucket), so a
// full snapshot per recovery or late-row fold is acceptable.
func (a *Adapter) NewTraverseIterator(idx uint32) (table.TraverseIterator, error) {
	rows, err := a.db.Query(querySnapshot, a.meta.Tid, idx)
	if err != nil {
		return nil, fmt.Errorf("snapshot table %q index %d: %w", a.meta.Name, idx, err)
	}
	defer rows.Close()

	var snapshot []table.Row
	for rows.Next() {
		var r table.Row
		if err := rows.Scan(&r.PK, &r.TS, &r.Value); err != nil {
			return nil, fmt.Errorf("scan row of table %q: %w", a.meta.Name, err)
		}
		snapshot = append(snapshot, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table %q: %w", a.meta.Name, err)
	}
	return table.NewRowsIterator(snapshot), nil
}

// GetRecordCnt counts every stored version. Returns -1 when the count query
// fails; callers treat that as unknown.
func (a *Adapter) GetRecordCnt() int64 {
	var cnt int64
	if err := a.db.QueryRow(queryCountRows, a.meta.Tid).Scan(&cnt); err != nil {
		slog.Error("[AggrTableAdapter] Count failed", "table", a.meta.Name, "error", err)
		return -1
	}
	return cnt
}

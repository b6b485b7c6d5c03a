// Package storage implements the pre-aggregation engine: per-key bucketed
// accumulators maintained on the base-table write path, flushed as compact
// rows into an aggregate table, and recoverable from that table plus the
// base binlog.
package storage

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nautaa/OpenMLDB/internal/core/codec"
	"github.com/nautaa/OpenMLDB/internal/core/table"
	"github.com/nautaa/OpenMLDB/internal/metrics"
	"github.com/nautaa/OpenMLDB/internal/replica"
)

// WindowType selects how buckets close.
type WindowType int

const (
	// WindowRowsNum buckets close after a fixed number of rows.
	WindowRowsNum WindowType = iota + 1
	// WindowRowsRange buckets close when a timestamp passes the range end.
	WindowRowsRange
)

func (w WindowType) String() string {
	if w == WindowRowsNum {
		return "rows_num"
	}
	return "rows_range"
}

// AggrType identifies the aggregate function.
type AggrType int

const (
	AggrSum AggrType = iota + 1
	AggrMin
	AggrMax
	AggrCount
	AggrCountWhere
	AggrAvg
)

var aggrTypeNames = map[AggrType]string{
	AggrSum:        "sum",
	AggrMin:        "min",
	AggrMax:        "max",
	AggrCount:      "count",
	AggrCountWhere: "count_where",
	AggrAvg:        "avg",
}

func (t AggrType) String() string { return aggrTypeNames[t] }

// LogReplicator is the aggregate-side replication contract flush appends to.
type LogReplicator interface {
	AppendEntry(e *replica.LogEntry) (uint64, error)
	Notify()
	GetLeaderTerm() uint64
}

// BinlogSource hands recovery the base table's log location.
type BinlogSource interface {
	GetLogPath() string
	GetLogPart() ([]replica.LogSegment, error)
}

// Aggregator folds base-table writes into bucketed aggregates.
type Aggregator interface {
	// Init recovers in-memory state from the aggregate table and the base
	// binlog, then transitions the aggregator to the inited state.
	Init(source BinlogSource) error

	// Update folds one base row. key is the base primary key, row the
	// encoded base row, offset its binlog offset. recover suppresses
	// duplicate errors during replay.
	Update(key string, row []byte, offset uint64, recover bool) error

	// FlushAll flushes every non-empty buffer; used at shutdown.
	FlushAll() error

	// GetAggrBuffer copies the live buffer for an aggregation key.
	GetAggrBuffer(key string) (AggrBuffer, bool)

	Status() AggrStat
	GetAggrType() AggrType
	GetWindowType() WindowType
	GetWindowSize() int64
	Info() Info
}

// Info is the diagnostic snapshot the status endpoint serves.
type Info struct {
	ID         string `json:"id"`
	BaseTable  string `json:"base_table"`
	AggrCol    string `json:"aggr_col"`
	AggrFunc   string `json:"aggr_func"`
	WindowType string `json:"window_type"`
	WindowSize int64  `json:"window_size"`
	Status     string `json:"status"`
	Buffers    int    `json:"buffers"`
}

// aggrHandler is the capability set a variant supplies over the base state
// machine.
type aggrHandler interface {
	UpdateAggrVal(row []byte, buf *AggrBuffer) error
	EncodeAggrVal(buf *AggrBuffer) ([]byte, error)
	DecodeAggrVal(raw []byte, buf *AggrBuffer) error
}

type baseAggregator struct {
	id         string
	baseMeta   *codec.TableMeta
	aggrMeta   *codec.TableMeta
	aggrTable  table.Table
	replicator LogReplicator
	indexPos   uint32

	aggrType   AggrType
	windowType WindowType
	windowSize int64

	aggrCol     string
	aggrColIdx  int
	aggrColType codec.DataType
	tsCol       string
	tsColIdx    int
	tsColType   codec.DataType

	// count_where only
	filterCol     string
	filterColIdx  int
	filterColType codec.DataType
	// count(*)
	countAll bool

	notifyOnPut bool
	flushLimit  int

	baseRowView *codec.RowView
	aggrRowView *codec.RowView
	rowBuilder  *codec.RowBuilder
	rbMu        sync.Mutex

	mu      sync.Mutex
	buffers map[string]*aggrBufferLocked

	status  atomic.Int32
	handler aggrHandler
}

// AggrTableSchema is the fixed layout of aggregate-table rows.
func AggrTableSchema() codec.Schema {
	return codec.Schema{
		{Name: "key", Type: codec.TypeString},
		{Name: "ts_start", Type: codec.TypeTimestamp},
		{Name: "ts_end", Type: codec.TypeTimestamp},
		{Name: "num_rows", Type: codec.TypeInt},
		{Name: "agg_val", Type: codec.TypeString},
		{Name: "binlog_offset", Type: codec.TypeBigInt},
		{Name: "filter_key", Type: codec.TypeString},
	}
}

const (
	aggrColKey = iota
	aggrColTsStart
	aggrColTsEnd
	aggrColNumRows
	aggrColVal
	aggrColOffset
	aggrColFilterKey
)

func (a *baseAggregator) Status() AggrStat          { return AggrStat(a.status.Load()) }
func (a *baseAggregator) GetAggrType() AggrType     { return a.aggrType }
func (a *baseAggregator) GetWindowType() WindowType { return a.windowType }
func (a *baseAggregator) GetWindowSize() int64      { return a.windowSize }

func (a *baseAggregator) Info() Info {
	a.mu.Lock()
	buffers := len(a.buffers)
	a.mu.Unlock()
	return Info{
		ID:         a.id,
		BaseTable:  a.baseMeta.Name,
		AggrCol:    a.aggrCol,
		AggrFunc:   a.aggrType.String(),
		WindowType: a.windowType.String(),
		WindowSize: a.windowSize,
		Status:     a.Status().String(),
		Buffers:    buffers,
	}
}

func (a *baseAggregator) extractTS(row []byte) (int64, error) {
	switch a.tsColType {
	case codec.TypeBigInt:
		return a.baseRowView.GetInt64(row, a.tsColIdx)
	case codec.TypeTimestamp:
		return a.baseRowView.GetTimestamp(row, a.tsColIdx)
	}
	return 0, fmt.Errorf("%w: ts column %q is %s", ErrUnsupportedType, a.tsCol, a.tsColType)
}

// aggrKeyFor computes the aggregation key. count_where appends the filter
// column's string form so each distinct filter value buckets independently.
func (a *baseAggregator) aggrKeyFor(key string, row []byte) (string, error) {
	if a.filterColIdx < 0 {
		return key, nil
	}
	if a.baseRowView.IsNull(row, a.filterColIdx) {
		return key, nil
	}
	val, err := formatColValue(a.baseRowView, row, a.filterColIdx, a.filterColType)
	if err != nil {
		return "", err
	}
	return key + val, nil
}

func formatColValue(rv *codec.RowView, row []byte, idx int, t codec.DataType) (string, error) {
	switch t {
	case codec.TypeSmallInt:
		v, err := rv.GetInt16(row, idx)
		return strconv.FormatInt(int64(v), 10), err
	case codec.TypeInt:
		v, err := rv.GetInt32(row, idx)
		return strconv.FormatInt(int64(v), 10), err
	case codec.TypeBigInt:
		v, err := rv.GetInt64(row, idx)
		return strconv.FormatInt(v, 10), err
	case codec.TypeTimestamp:
		v, err := rv.GetTimestamp(row, idx)
		return strconv.FormatInt(v, 10), err
	case codec.TypeDate:
		v, err := rv.GetDate(row, idx)
		return strconv.FormatInt(int64(v), 10), err
	case codec.TypeFloat:
		v, err := rv.GetFloat(row, idx)
		return strconv.FormatFloat(float64(v), 'g', -1, 32), err
	case codec.TypeDouble:
		v, err := rv.GetDouble(row, idx)
		return strconv.FormatFloat(v, 'g', -1, 64), err
	case codec.TypeVarchar, codec.TypeString:
		v, err := rv.GetString(row, idx)
		return string(v), err
	case codec.TypeBool:
		v, err := rv.GetBool(row, idx)
		return strconv.FormatBool(v), err
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// bufferFor returns the locked buffer for an aggregation key, creating it on
// first use. The map mutex is held only for the lookup.
func (a *baseAggregator) bufferFor(aggrKey string, keyEnd int) *aggrBufferLocked {
	a.mu.Lock()
	defer a.mu.Unlock()
	bl, ok := a.buffers[aggrKey]
	if !ok {
		bl = &aggrBufferLocked{buffer: AggrBuffer{
			DataType: a.aggrColType,
			TsBegin:  -1,
			TsEnd:    -1,
			KeyEnd:   keyEnd,
		}}
		a.buffers[aggrKey] = bl
	}
	return bl
}

func (a *baseAggregator) Update(key string, row []byte, offset uint64, recover bool) error {
	st := a.Status()
	if recover {
		if st != StatRecovering {
			return fmt.Errorf("%w: recover update while %s", ErrState, st)
		}
	} else if st != StatInited {
		return fmt.Errorf("%w: update while %s", ErrState, st)
	}

	curTS, err := a.extractTS(row)
	if err != nil {
		return err
	}
	aggrKey, err := a.aggrKeyFor(key, row)
	if err != nil {
		return err
	}

	bl := a.bufferFor(aggrKey, len(key))
	bl.mu.Lock()
	buf := &bl.buffer
	if buf.TsBegin == -1 {
		buf.TsBegin = curTS
		if a.windowType == WindowRowsRange {
			buf.TsEnd = curTS + a.windowSize - 1
		}
	}

	// A rows_range bucket closes when the incoming timestamp passes its end.
	// Snapshot, advance the live buffer, and flush outside the per-key lock
	// so writers of other buckets on this key are not serialized behind I/O.
	if a.windowType == WindowRowsRange && curTS > buf.TsEnd {
		snap := buf.snapshot()
		next := buf.TsEnd + 1
		buf.clear()
		buf.TsBegin = next
		buf.TsEnd = next + a.windowSize - 1
		buf.BinlogOffset = snap.BinlogOffset + 1
		bl.mu.Unlock()
		a.flushWithLog(aggrKey, snap)
		bl.mu.Lock()
	}

	if offset < buf.BinlogOffset {
		bl.mu.Unlock()
		if recover {
			// duplicate binlog replay
			return nil
		}
		return fmt.Errorf("%w: offset %d < buffer offset %d for key %q", ErrOffsetRegression, offset, buf.BinlogOffset, key)
	}

	if curTS < buf.TsBegin {
		keyEnd := buf.KeyEnd
		bl.mu.Unlock()
		if recover {
			// the bucket this row belongs to was flushed before the crash
			return nil
		}
		return a.updateFlushedBuffer(aggrKey, keyEnd, row, curTS, offset)
	}

	buf.AggrCnt++
	buf.BinlogOffset = offset
	if a.windowType == WindowRowsNum {
		buf.TsEnd = curTS
	}
	if err := a.handler.UpdateAggrVal(row, buf); err != nil {
		bl.mu.Unlock()
		return err
	}

	var snap AggrBuffer
	closed := false
	if a.windowType == WindowRowsNum && int64(buf.AggrCnt) >= a.windowSize {
		snap = buf.snapshot()
		next := buf.TsEnd + 1
		buf.clear()
		buf.TsBegin = next
		buf.BinlogOffset = snap.BinlogOffset + 1
		closed = true
	}
	bl.mu.Unlock()
	if closed {
		a.flushWithLog(aggrKey, snap)
	}
	metrics.RowsUpdated.WithLabelValues(a.aggrType.String()).Inc()
	return nil
}

// flushWithLog reports flush failures without failing the triggering Update;
// the bucket data stays visible to recovery through the binlog.
func (a *baseAggregator) flushWithLog(aggrKey string, buf AggrBuffer) {
	if err := a.flushAggrBuffer(aggrKey, buf); err != nil {
		metrics.FlushErrors.WithLabelValues(a.aggrType.String()).Inc()
		slog.Error("[Aggregator] Flush failed",
			"id", a.id,
			"key", aggrKey,
			"ts_begin", buf.TsBegin,
			"error", err,
		)
	}
}

func (a *baseAggregator) flushAggrBuffer(aggrKey string, buf AggrBuffer) error {
	raw, err := a.handler.EncodeAggrVal(&buf)
	if err != nil {
		return err
	}
	if buf.KeyEnd > len(aggrKey) {
		return fmt.Errorf("key end %d past aggregation key %q", buf.KeyEnd, aggrKey)
	}
	pk := aggrKey[:buf.KeyEnd]
	filter := aggrKey[buf.KeyEnd:]

	rowSize := a.rowBuilder.CalTotalLength(len(pk) + len(raw) + len(filter))
	encoded := make([]byte, rowSize)
	a.rbMu.Lock()
	if err := a.rowBuilder.SetBuffer(encoded); err != nil {
		a.rbMu.Unlock()
		return err
	}
	a.rowBuilder.AppendString([]byte(pk))
	a.rowBuilder.AppendTimestamp(buf.TsBegin)
	a.rowBuilder.AppendTimestamp(buf.TsEnd)
	a.rowBuilder.AppendInt32(buf.AggrCnt)
	if raw == nil {
		a.rowBuilder.AppendNULL()
	} else {
		a.rowBuilder.AppendString(raw)
	}
	a.rowBuilder.AppendInt64(int64(buf.BinlogOffset))
	if filter == "" {
		a.rowBuilder.AppendNULL()
	} else {
		a.rowBuilder.AppendString([]byte(filter))
	}
	err = a.rowBuilder.Err()
	a.rbMu.Unlock()
	if err != nil {
		return fmt.Errorf("encode aggregate row: %w", err)
	}

	now := time.Now().UnixMilli()
	dims := []table.Dimension{{Key: aggrKey, Idx: a.indexPos}}
	if err := a.aggrTable.Put(now, encoded, dims); err != nil {
		return fmt.Errorf("aggregate table put: %w", err)
	}
	if a.replicator != nil {
		entry := &replica.LogEntry{
			Term:       a.replicator.GetLeaderTerm(),
			Method:     replica.MethodPut,
			TS:         now,
			Value:      encoded,
			Dimensions: []replica.Dimension{{Key: aggrKey, Idx: a.indexPos}},
		}
		if _, err := a.replicator.AppendEntry(entry); err != nil {
			return fmt.Errorf("aggregate replicator append: %w", err)
		}
		if a.notifyOnPut {
			a.replicator.Notify()
		}
	}
	metrics.BucketsFlushed.WithLabelValues(a.aggrType.String()).Inc()
	return nil
}

// updateFlushedBuffer folds a late row into its already-flushed bucket: read
// the persisted bucket back, apply the row, and rewrite it. The rewritten
// row supersedes the old one under the table's per-ts last-writer-wins.
func (a *baseAggregator) updateFlushedBuffer(aggrKey string, keyEnd int, row []byte, curTS int64, offset uint64) error {
	it, err := a.aggrTable.NewTraverseIterator(a.indexPos)
	if err != nil {
		return fmt.Errorf("aggregate table iterator: %w", err)
	}
	// seek to ts+1: positions at the bucket whose ts_start <= curTS
	it.Seek(aggrKey, curTS+1)
	// a bucket opening exactly at curTS+1 also satisfies the seek bound; skip
	// it (and any rewritten versions of it) so the probe lands on the bucket
	// that can actually contain curTS
	for it.Valid() && it.GetPK() == aggrKey && it.GetTS() > curTS {
		it.Next()
	}

	tmp := AggrBuffer{DataType: a.aggrColType, TsBegin: -1, TsEnd: -1, KeyEnd: keyEnd}
	if it.Valid() && it.GetPK() == aggrKey {
		decoded, err := a.decodeAggrRow(it.GetValue())
		if err != nil {
			return err
		}
		if curTS > decoded.TsEnd || curTS < decoded.TsBegin {
			return fmt.Errorf("%w: ts %d outside [%d, %d] for key %q",
				ErrCorruptedBucket, curTS, decoded.TsBegin, decoded.TsEnd, aggrKey)
		}
		tmp = decoded
		tmp.KeyEnd = keyEnd
		tmp.AggrCnt++
		tmp.BinlogOffset = offset
	} else {
		tmp.TsBegin = curTS
		tmp.TsEnd = curTS
		tmp.AggrCnt = 1
		tmp.BinlogOffset = offset
	}
	if err := a.handler.UpdateAggrVal(row, &tmp); err != nil {
		return err
	}
	metrics.OutOfOrderUpdates.WithLabelValues(a.aggrType.String()).Inc()
	return a.flushAggrBuffer(aggrKey, tmp)
}

// decodeAggrRow rebuilds a buffer from a persisted aggregate-table row.
func (a *baseAggregator) decodeAggrRow(value []byte) (AggrBuffer, error) {
	var buf AggrBuffer
	buf.DataType = a.aggrColType
	pk, err := a.aggrRowView.GetString(value, aggrColKey)
	if err != nil {
		return buf, fmt.Errorf("decode aggregate row key: %w", err)
	}
	buf.KeyEnd = len(pk)
	if buf.TsBegin, err = a.aggrRowView.GetTimestamp(value, aggrColTsStart); err != nil {
		return buf, fmt.Errorf("decode aggregate row ts_start: %w", err)
	}
	if buf.TsEnd, err = a.aggrRowView.GetTimestamp(value, aggrColTsEnd); err != nil {
		return buf, fmt.Errorf("decode aggregate row ts_end: %w", err)
	}
	if buf.AggrCnt, err = a.aggrRowView.GetInt32(value, aggrColNumRows); err != nil {
		return buf, fmt.Errorf("decode aggregate row num_rows: %w", err)
	}
	off, err := a.aggrRowView.GetInt64(value, aggrColOffset)
	if err != nil {
		return buf, fmt.Errorf("decode aggregate row binlog_offset: %w", err)
	}
	buf.BinlogOffset = uint64(off)
	var raw []byte
	if !a.aggrRowView.IsNull(value, aggrColVal) {
		if raw, err = a.aggrRowView.GetString(value, aggrColVal); err != nil {
			return buf, fmt.Errorf("decode aggregate row agg_val: %w", err)
		}
	}
	if err := a.handler.DecodeAggrVal(raw, &buf); err != nil {
		return buf, err
	}
	return buf, nil
}

// GetAggrBuffer copies the live buffer for the given aggregation key.
func (a *baseAggregator) GetAggrBuffer(key string) (AggrBuffer, bool) {
	a.mu.Lock()
	bl, ok := a.buffers[key]
	a.mu.Unlock()
	if !ok {
		return AggrBuffer{}, false
	}
	bl.mu.Lock()
	defer bl.mu.Unlock()
	return bl.buffer.snapshot(), true
}

// FlushAll snapshots and flushes every non-empty buffer, advancing each live
// buffer past its flushed range. Used at shutdown and on schema boundaries.
func (a *baseAggregator) FlushAll() error {
	a.mu.Lock()
	keys := make([]string, 0, len(a.buffers))
	locked := make([]*aggrBufferLocked, 0, len(a.buffers))
	for key, bl := range a.buffers {
		keys = append(keys, key)
		locked = append(locked, bl)
	}
	a.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(a.flushLimit)
	for i, bl := range locked {
		key := keys[i]
		bl.mu.Lock()
		buf := &bl.buffer
		if buf.AggrCnt == 0 {
			bl.mu.Unlock()
			continue
		}
		snap := buf.snapshot()
		next := buf.TsEnd + 1
		buf.clear()
		buf.TsBegin = next
		if a.windowType == WindowRowsRange {
			buf.TsEnd = next + a.windowSize - 1
		}
		buf.BinlogOffset = snap.BinlogOffset + 1
		bl.mu.Unlock()
		g.Go(func() error {
			return a.flushAggrBuffer(key, snap)
		})
	}
	return g.Wait()
}

// Init recovers state: seed buffers from the aggregate table, replay the
// base binlog from the lowest seeded offset, then verify the log caught up
// with everything already persisted.
func (a *baseAggregator) Init(source BinlogSource) error {
	if !a.status.CompareAndSwap(int32(StatUninit), int32(StatRecovering)) {
		return fmt.Errorf("%w: init while %s", ErrState, a.Status())
	}

	recoveryOffset, latestOffset, err := a.seedFromAggrTable()
	if err != nil {
		a.status.Store(int32(StatUninit))
		return err
	}

	if source == nil {
		if latestOffset > 0 {
			a.status.Store(int32(StatUninit))
			return fmt.Errorf("%w: %d persisted offsets but no base replicator", ErrRecoveryInconsistency, latestOffset)
		}
		a.status.Store(int32(StatInited))
		return nil
	}

	parts, err := source.GetLogPart()
	if err != nil {
		a.status.Store(int32(StatUninit))
		return fmt.Errorf("base log parts: %w", err)
	}
	reader := replica.NewLogReader(source.GetLogPath(), parts)
	defer reader.Close()
	if err := reader.SetOffset(recoveryOffset); err != nil {
		a.status.Store(int32(StatUninit))
		return fmt.Errorf("base log seek to %d: %w", recoveryOffset, err)
	}

	var curOffset uint64
	replayed := 0
	for {
		entry, err := reader.ReadNextRecord()
		if err == io.EOF {
			if !reader.RollRLogFile() {
				break
			}
			continue
		}
		if err != nil {
			a.status.Store(int32(StatUninit))
			return fmt.Errorf("base log read: %w", err)
		}
		curOffset = entry.LogIndex
		if entry.Method == replica.MethodDelete {
			slog.Warn("[Aggregator] Delete not supported in pre-aggregation, skipping",
				"id", a.id, "offset", entry.LogIndex)
			continue
		}
		for _, dim := range entry.Dimensions {
			if dim.Idx != a.indexPos {
				continue
			}
			if err := a.Update(dim.Key, entry.Value, entry.LogIndex, true); err != nil {
				a.status.Store(int32(StatUninit))
				return fmt.Errorf("replay offset %d: %w", entry.LogIndex, err)
			}
			replayed++
		}
	}
	metrics.RecoveryReplayed.WithLabelValues(a.aggrType.String()).Add(float64(replayed))

	if curOffset < latestOffset {
		a.status.Store(int32(StatUninit))
		return fmt.Errorf("%w: replayed to %d, aggregates persisted to %d",
			ErrRecoveryInconsistency, curOffset, latestOffset)
	}

	a.status.Store(int32(StatInited))
	slog.Info("[Aggregator] Recovery complete",
		"id", a.id,
		"aggr_func", a.aggrType.String(),
		"replayed", replayed,
		"from_offset", recoveryOffset,
		"latest_offset", latestOffset,
	)
	return nil
}

// seedFromAggrTable loads the newest persisted bucket of every key and
// advances it to the next empty range, mirroring a bucket close without the
// flush. Returns (min, max) persisted binlog offsets; min is the replay
// start, max the bar the replay must reach.
func (a *baseAggregator) seedFromAggrTable() (uint64, uint64, error) {
	it, err := a.aggrTable.NewTraverseIterator(a.indexPos)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregate table iterator: %w", err)
	}
	it.SeekToFirst()

	var recoveryOffset uint64
	var latestOffset uint64
	seeded := 0
	for it.Valid() {
		aggrKey := it.GetPK()
		buf, err := a.decodeAggrRow(it.GetValue())
		if err != nil {
			return 0, 0, err
		}
		if recoveryOffset == 0 || buf.BinlogOffset < recoveryOffset {
			recoveryOffset = buf.BinlogOffset
		}
		if buf.BinlogOffset > latestOffset {
			latestOffset = buf.BinlogOffset
		}

		next := buf.TsEnd + 1
		nextOffset := buf.BinlogOffset + 1
		buf.clear()
		buf.TsBegin = next
		if a.windowType == WindowRowsRange {
			buf.TsEnd = next + a.windowSize - 1
		}
		buf.BinlogOffset = nextOffset

		a.mu.Lock()
		a.buffers[aggrKey] = &aggrBufferLocked{buffer: buf}
		a.mu.Unlock()
		seeded++
		it.NextPK()
	}
	if seeded > 0 {
		slog.Info("[Aggregator] Seeded buffers from aggregate table",
			"id", a.id, "buffers", seeded, "recovery_offset", recoveryOffset)
	}
	return recoveryOffset, latestOffset, nil
}

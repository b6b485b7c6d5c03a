package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nautaa/OpenMLDB/internal/core/codec"
	"github.com/nautaa/OpenMLDB/internal/core/table"
	"github.com/nautaa/OpenMLDB/internal/replica"
)

func baseTestMeta() *codec.TableMeta {
	return &codec.TableMeta{
		Name: "base_t",
		Tid:  1,
		Schema: codec.Schema{
			{Name: "id1", Type: codec.TypeString},
			{Name: "id2", Type: codec.TypeString},
			{Name: "ts_col", Type: codec.TypeTimestamp},
			{Name: "col3", Type: codec.TypeInt},
			{Name: "col4", Type: codec.TypeSmallInt},
			{Name: "col5", Type: codec.TypeBigInt},
			{Name: "col6", Type: codec.TypeFloat},
			{Name: "col7", Type: codec.TypeDouble},
			{Name: "col8", Type: codec.TypeDate},
			{Name: "col9", Type: codec.TypeString},
			{Name: "col_null", Type: codec.TypeInt},
			{Name: "col_filter", Type: codec.TypeVarchar},
		},
		KeyCols: []string{"id1", "id2"},
		TsCol:   "ts_col",
	}
}

// encodeBaseRow builds row j: every numeric column carries j, col_null stays
// NULL, col9 is "abc", col_filter alternates "a"/"b".
func encodeBaseRow(t *testing.T, meta *codec.TableMeta, j int, ts int64) []byte {
	t.Helper()
	filter := "a"
	if j%2 == 1 {
		filter = "b"
	}
	rb := codec.NewRowBuilder(meta.Schema)
	buf := make([]byte, rb.CalTotalLength(len("id1")+len("id2")+len("abc")+len(filter)))
	require.NoError(t, rb.SetBuffer(buf))
	rb.AppendString([]byte("id1"))
	rb.AppendString([]byte("id2"))
	rb.AppendTimestamp(ts)
	rb.AppendInt32(int32(j))
	rb.AppendInt16(int16(j))
	rb.AppendInt64(int64(j))
	rb.AppendFloat(float32(j))
	rb.AppendDouble(float64(j))
	rb.AppendDate(int32(j))
	rb.AppendString([]byte("abc"))
	rb.AppendNULL()
	rb.AppendString([]byte(filter))
	require.NoError(t, rb.Err())
	return buf
}

type aggrEnv struct {
	baseMeta  *codec.TableMeta
	aggrMeta  *codec.TableMeta
	aggrTable *table.MemTable
	repl      *replica.Replicator
	agg       Aggregator
}

func newAggrEnv(t *testing.T, aggrFunc, aggrCol, bucketSize, filterCol string) *aggrEnv {
	t.Helper()
	aggrMeta := NewAggrTableMeta("aggr_t", 2)
	aggrTable, err := table.NewMemTable(aggrMeta)
	require.NoError(t, err)
	repl, err := replica.NewReplicator(t.TempDir(), 1<<20, 1)
	require.NoError(t, err)
	t.Cleanup(func() { repl.Close() })

	agg, err := NewAggregator(AggregatorParams{
		BaseMeta:   baseTestMeta(),
		AggrMeta:   aggrMeta,
		AggrTable:  aggrTable,
		Replicator: repl,
		AggrCol:    aggrCol,
		AggrFunc:   aggrFunc,
		TsCol:      "ts_col",
		BucketSize: bucketSize,
		FilterCol:  filterCol,
	})
	require.NoError(t, err)
	require.NoError(t, agg.Init(nil))
	return &aggrEnv{
		baseMeta:  baseTestMeta(),
		aggrMeta:  aggrMeta,
		aggrTable: aggrTable,
		repl:      repl,
		agg:       agg,
	}
}

// feedRows pushes rows 0..n-1 at ts = j*step with offsets starting at 1.
func (e *aggrEnv) feedRows(t *testing.T, n int, step int64) {
	t.Helper()
	for j := 0; j < n; j++ {
		row := encodeBaseRow(t, e.baseMeta, j, int64(j)*step)
		require.NoError(t, e.agg.Update("id1|id2", row, uint64(j+1), false))
	}
}

type flushedRow struct {
	key          string
	tsStart      int64
	tsEnd        int64
	numRows      int32
	aggVal       []byte
	valNull      bool
	binlogOffset uint64
	filterKey    string
}

// flushedRows returns the newest version of every persisted bucket in
// traverse order.
func (e *aggrEnv) flushedRows(t *testing.T) []flushedRow {
	t.Helper()
	rv := codec.NewRowView(AggrTableSchema())
	it, err := e.aggrTable.NewTraverseIterator(0)
	require.NoError(t, err)
	it.SeekToFirst()
	var out []flushedRow
	seen := map[string]bool{}
	for ; it.Valid(); it.Next() {
		value := it.GetValue()
		var fr flushedRow
		pk, err := rv.GetString(value, 0)
		require.NoError(t, err)
		fr.key = string(pk)
		fr.tsStart, err = rv.GetTimestamp(value, 1)
		require.NoError(t, err)
		fr.tsEnd, err = rv.GetTimestamp(value, 2)
		require.NoError(t, err)
		fr.numRows, err = rv.GetInt32(value, 3)
		require.NoError(t, err)
		if rv.IsNull(value, 4) {
			fr.valNull = true
		} else {
			raw, err := rv.GetString(value, 4)
			require.NoError(t, err)
			fr.aggVal = append([]byte(nil), raw...)
		}
		off, err := rv.GetInt64(value, 5)
		require.NoError(t, err)
		fr.binlogOffset = uint64(off)
		if !rv.IsNull(value, 6) {
			fk, err := rv.GetString(value, 6)
			require.NoError(t, err)
			fr.filterKey = string(fk)
		}
		// the iterator yields versions newest first; keep only the newest
		vkey := fmt.Sprintf("%s/%s/%d", it.GetPK(), fr.key, fr.tsStart)
		if seen[vkey] {
			continue
		}
		seen[vkey] = true
		out = append(out, fr)
	}
	return out
}

func asInt64(t *testing.T, raw []byte) int64 {
	t.Helper()
	require.Len(t, raw, 8)
	return int64(binary.LittleEndian.Uint64(raw))
}

func TestSumRowsNumWindow(t *testing.T) {
	e := newAggrEnv(t, "sum", "col3", "2", "")
	e.feedRows(t, 101, 500)

	rows := e.flushedRows(t)
	require.Len(t, rows, 50)
	require.EqualValues(t, 50, e.aggrTable.GetRecordCnt())
	for i, fr := range rows {
		// traverse order is ts desc, so bucket i counts from the end
		b := int64(49 - i)
		require.Equal(t, "id1|id2", fr.key)
		require.EqualValues(t, 2, fr.numRows)
		require.Equal(t, 4*b+1, asInt64(t, fr.aggVal))
		// bucket b starts right after bucket b-1 ended
		wantStart := int64(0)
		if b > 0 {
			wantStart = (b-1)*1000 + 500 + 1
		}
		require.Equal(t, wantStart, fr.tsStart)
		require.Equal(t, b*1000+500, fr.tsEnd)
		require.Equal(t, uint64(2*b+2), fr.binlogOffset)
	}

	buf, ok := e.agg.GetAggrBuffer("id1|id2")
	require.True(t, ok)
	require.EqualValues(t, 1, buf.AggrCnt)
	require.EqualValues(t, 100, buf.AggrVal.VLong)
	require.EqualValues(t, 101, buf.BinlogOffset)
}

func TestSumRowsRangeWindow(t *testing.T) {
	e := newAggrEnv(t, "sum", "col5", "1s", "")
	e.feedRows(t, 101, 500)

	rows := e.flushedRows(t)
	require.Len(t, rows, 50)
	for i, fr := range rows {
		b := int64(49 - i)
		require.EqualValues(t, 2, fr.numRows)
		require.Equal(t, 4*b+1, asInt64(t, fr.aggVal))
		require.Equal(t, b*1000, fr.tsStart)
		require.Equal(t, b*1000+999, fr.tsEnd)
	}

	buf, ok := e.agg.GetAggrBuffer("id1|id2")
	require.True(t, ok)
	require.EqualValues(t, 1, buf.AggrCnt)
	require.EqualValues(t, 100, buf.AggrVal.VLong)
	require.Equal(t, int64(50000), buf.TsBegin)
	require.Equal(t, int64(50999), buf.TsEnd)
}

func TestSumFloatAndDouble(t *testing.T) {
	e := newAggrEnv(t, "sum", "col6", "2", "")
	e.feedRows(t, 4, 500)
	rows := e.flushedRows(t)
	require.Len(t, rows, 2)
	require.Len(t, rows[0].aggVal, 4)
	got := math.Float32frombits(binary.LittleEndian.Uint32(rows[0].aggVal))
	require.EqualValues(t, 5, got) // rows 2+3

	e2 := newAggrEnv(t, "sum", "col7", "2", "")
	e2.feedRows(t, 4, 500)
	rows2 := e2.flushedRows(t)
	require.Len(t, rows2, 2)
	require.Len(t, rows2[0].aggVal, 8)
	got2 := math.Float64frombits(binary.LittleEndian.Uint64(rows2[0].aggVal))
	require.EqualValues(t, 5, got2)
}

func TestMinMaxWindows(t *testing.T) {
	e := newAggrEnv(t, "min", "col3", "2", "")
	e.feedRows(t, 100, 500)
	for i, fr := range e.flushedRows(t) {
		b := int64(49 - i)
		require.Len(t, fr.aggVal, 4)
		require.EqualValues(t, 2*b, int32(binary.LittleEndian.Uint32(fr.aggVal)))
	}

	e2 := newAggrEnv(t, "max", "col4", "2", "")
	e2.feedRows(t, 100, 500)
	for i, fr := range e2.flushedRows(t) {
		b := int64(49 - i)
		require.Len(t, fr.aggVal, 2)
		require.EqualValues(t, 2*b+1, int16(binary.LittleEndian.Uint16(fr.aggVal)))
	}

	e3 := newAggrEnv(t, "max", "col9", "2", "")
	e3.feedRows(t, 4, 500)
	for _, fr := range e3.flushedRows(t) {
		require.Equal(t, "abc", string(fr.aggVal))
	}
}

func TestCountAndNullColumn(t *testing.T) {
	e := newAggrEnv(t, "count", "col3", "2", "")
	e.feedRows(t, 100, 500)
	for _, fr := range e.flushedRows(t) {
		require.EqualValues(t, 2, fr.numRows)
		require.EqualValues(t, 2, asInt64(t, fr.aggVal))
	}

	// col_null never carries a value: num_rows still counts, count does not
	e2 := newAggrEnv(t, "count", "col_null", "2", "")
	e2.feedRows(t, 100, 500)
	for _, fr := range e2.flushedRows(t) {
		require.EqualValues(t, 2, fr.numRows)
		require.EqualValues(t, 0, asInt64(t, fr.aggVal))
	}

	e3 := newAggrEnv(t, "count", "*", "2", "")
	e3.feedRows(t, 100, 500)
	for _, fr := range e3.flushedRows(t) {
		require.EqualValues(t, 2, asInt64(t, fr.aggVal))
	}
}

func TestAvgWindow(t *testing.T) {
	e := newAggrEnv(t, "avg", "col7", "2", "")
	e.feedRows(t, 100, 500)
	rows := e.flushedRows(t)
	require.Len(t, rows, 50)
	for i, fr := range rows {
		b := float64(49 - i)
		require.Len(t, fr.aggVal, 16)
		sum := math.Float64frombits(binary.LittleEndian.Uint64(fr.aggVal))
		cnt := int64(binary.LittleEndian.Uint64(fr.aggVal[8:]))
		require.Equal(t, 4*b+1, sum)
		require.EqualValues(t, 2, cnt)
	}
}

func TestOutOfOrderUpdate(t *testing.T) {
	e := newAggrEnv(t, "sum", "col3", "1s", "")
	e.feedRows(t, 101, 500)
	require.EqualValues(t, 50, e.aggrTable.GetRecordCnt())

	// late row lands in the already-flushed bucket [25000, 25999]
	late := encodeBaseRow(t, e.baseMeta, 100, 25000)
	require.NoError(t, e.agg.Update("id1|id2", late, 102, false))
	require.EqualValues(t, 51, e.aggrTable.GetRecordCnt())

	var hit *flushedRow
	for _, fr := range e.flushedRows(t) {
		if fr.tsStart == 25000 {
			fr := fr
			hit = &fr
			break
		}
	}
	require.NotNil(t, hit)
	require.EqualValues(t, 3, hit.numRows)
	require.Equal(t, int64(50+51+100), asInt64(t, hit.aggVal))
	require.Equal(t, uint64(102), hit.binlogOffset)

	// the live buffer is untouched by the side channel
	buf, ok := e.agg.GetAggrBuffer("id1|id2")
	require.True(t, ok)
	require.EqualValues(t, 1, buf.AggrCnt)
	require.EqualValues(t, 100, buf.AggrVal.VLong)
}

func TestOutOfOrderUpdateAtBucketEnd(t *testing.T) {
	e := newAggrEnv(t, "sum", "col3", "1s", "")
	e.feedRows(t, 101, 500)
	require.EqualValues(t, 50, e.aggrTable.GetRecordCnt())

	// ts 1999 is the last instant of bucket [1000, 1999]; the bucket starting
	// exactly at 2000 must not swallow it
	late := encodeBaseRow(t, e.baseMeta, 100, 1999)
	require.NoError(t, e.agg.Update("id1|id2", late, 102, false))
	require.EqualValues(t, 51, e.aggrTable.GetRecordCnt())

	var hit *flushedRow
	for _, fr := range e.flushedRows(t) {
		if fr.tsStart == 1000 {
			fr := fr
			hit = &fr
			break
		}
	}
	require.NotNil(t, hit)
	require.Equal(t, int64(1999), hit.tsEnd)
	require.EqualValues(t, 3, hit.numRows)
	require.Equal(t, int64(2+3+100), asInt64(t, hit.aggVal))
	require.Equal(t, uint64(102), hit.binlogOffset)
}

func TestSumAllNullFlushesZero(t *testing.T) {
	e := newAggrEnv(t, "sum", "col_null", "2", "")
	e.feedRows(t, 4, 500)
	rows := e.flushedRows(t)
	require.Len(t, rows, 2)
	for _, fr := range rows {
		require.False(t, fr.valNull)
		require.EqualValues(t, 0, asInt64(t, fr.aggVal))
	}
}

func TestOutOfOrderOffsetRegression(t *testing.T) {
	e := newAggrEnv(t, "sum", "col3", "1s", "")
	e.feedRows(t, 10, 500)
	row := encodeBaseRow(t, e.baseMeta, 11, 5500)
	err := e.agg.Update("id1|id2", row, 3, false)
	require.ErrorIs(t, err, ErrOffsetRegression)
}

func TestUpdateRequiresInit(t *testing.T) {
	aggrMeta := NewAggrTableMeta("aggr_t", 2)
	aggrTable, err := table.NewMemTable(aggrMeta)
	require.NoError(t, err)
	agg, err := NewAggregator(AggregatorParams{
		BaseMeta:   baseTestMeta(),
		AggrMeta:   aggrMeta,
		AggrTable:  aggrTable,
		AggrCol:    "col3",
		AggrFunc:   "sum",
		TsCol:      "ts_col",
		BucketSize: "2",
	})
	require.NoError(t, err)
	require.Equal(t, StatUninit, agg.Status())

	row := encodeBaseRow(t, baseTestMeta(), 0, 0)
	err = agg.Update("id1|id2", row, 1, false)
	require.ErrorIs(t, err, ErrState)
}

func TestFlushAll(t *testing.T) {
	e := newAggrEnv(t, "sum", "col3", "1s", "")
	e.feedRows(t, 101, 500)
	require.EqualValues(t, 50, e.aggrTable.GetRecordCnt())

	require.NoError(t, e.agg.FlushAll())
	require.EqualValues(t, 51, e.aggrTable.GetRecordCnt())

	rows := e.flushedRows(t)
	require.Equal(t, int64(50000), rows[0].tsStart)
	require.EqualValues(t, 1, rows[0].numRows)
	require.Equal(t, int64(100), asInt64(t, rows[0].aggVal))

	buf, ok := e.agg.GetAggrBuffer("id1|id2")
	require.True(t, ok)
	require.EqualValues(t, 0, buf.AggrCnt)
	require.Equal(t, int64(51000), buf.TsBegin)
}

func TestCountWherePartitionsByFilterValue(t *testing.T) {
	e := newAggrEnv(t, "count_where", "col3", "2", "col_filter")
	// col_filter alternates a/b, so each filter value sees every other row
	e.feedRows(t, 8, 500)

	bufA, ok := e.agg.GetAggrBuffer("id1|id2a")
	require.True(t, ok)
	bufB, ok := e.agg.GetAggrBuffer("id1|id2b")
	require.True(t, ok)
	require.EqualValues(t, 0, bufA.AggrCnt)
	require.EqualValues(t, 0, bufB.AggrCnt)
	require.Equal(t, len("id1|id2"), bufA.KeyEnd)

	rows := e.flushedRows(t)
	require.Len(t, rows, 4)
	for _, fr := range rows {
		require.Equal(t, "id1|id2", fr.key)
		require.Contains(t, []string{"a", "b"}, fr.filterKey)
		require.EqualValues(t, 2, fr.numRows)
		require.EqualValues(t, 2, asInt64(t, fr.aggVal))
	}
}

func TestRecoveryFromAggrTableAndBinlog(t *testing.T) {
	baseRepl, err := replica.NewReplicator(t.TempDir(), 1<<20, 1)
	require.NoError(t, err)
	defer baseRepl.Close()

	e := newAggrEnv(t, "sum", "col3", "2", "")
	meta := baseTestMeta()
	for j := 0; j < 101; j++ {
		row := encodeBaseRow(t, meta, j, int64(j)*500)
		offset, err := baseRepl.AppendEntry(&replica.LogEntry{
			Method:     replica.MethodPut,
			TS:         int64(j) * 500,
			Value:      row,
			Dimensions: []replica.Dimension{{Key: "id1|id2", Idx: 0}},
		})
		require.NoError(t, err)
		require.NoError(t, e.agg.Update("id1|id2", row, offset, false))
	}
	require.NoError(t, baseRepl.Sync())
	require.EqualValues(t, 50, e.aggrTable.GetRecordCnt())
	want, ok := e.agg.GetAggrBuffer("id1|id2")
	require.True(t, ok)

	// a fresh aggregator over the same aggregate table recovers the exact
	// live buffer without re-flushing anything
	agg2, err := NewAggregator(AggregatorParams{
		BaseMeta:   meta,
		AggrMeta:   e.aggrMeta,
		AggrTable:  e.aggrTable,
		Replicator: e.repl,
		AggrCol:    "col3",
		AggrFunc:   "sum",
		TsCol:      "ts_col",
		BucketSize: "2",
	})
	require.NoError(t, err)
	require.NoError(t, agg2.Init(baseRepl))
	require.Equal(t, StatInited, agg2.Status())
	require.EqualValues(t, 50, e.aggrTable.GetRecordCnt())

	got, ok := agg2.GetAggrBuffer("id1|id2")
	require.True(t, ok)
	require.Equal(t, want.AggrCnt, got.AggrCnt)
	require.Equal(t, want.AggrVal.VLong, got.AggrVal.VLong)
	require.Equal(t, want.BinlogOffset, got.BinlogOffset)
	require.Equal(t, want.TsBegin, got.TsBegin)
}

func TestRecoveryEmptyTable(t *testing.T) {
	e := newAggrEnv(t, "sum", "col3", "2", "")
	require.Equal(t, StatInited, e.agg.Status())
	_, ok := e.agg.GetAggrBuffer("id1|id2")
	require.False(t, ok)
}

func TestConcurrentDisjointKeys(t *testing.T) {
	e := newAggrEnv(t, "sum", "col3", "1s", "")
	meta := baseTestMeta()
	const keys = 8
	const rowsPerKey = 40

	var wg sync.WaitGroup
	errs := make([]error, keys)
	for k := 0; k < keys; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			key := fmt.Sprintf("user%02d", k)
			for j := 0; j < rowsPerKey; j++ {
				row := encodeBaseRow(t, meta, j, int64(j)*500)
				if err := e.agg.Update(key, row, uint64(j+1), false); err != nil {
					errs[k] = err
					return
				}
			}
		}(k)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// rows 0..39 at 500ms spacing close 19 buckets per key; 38,39 stay live
	for k := 0; k < keys; k++ {
		key := fmt.Sprintf("user%02d", k)
		buf, ok := e.agg.GetAggrBuffer(key)
		require.True(t, ok)
		require.EqualValues(t, 2, buf.AggrCnt)
		require.EqualValues(t, 38+39, buf.AggrVal.VLong)
	}
	require.EqualValues(t, keys*19, e.aggrTable.GetRecordCnt())
}

func TestConcurrentSameKey(t *testing.T) {
	e := newAggrEnv(t, "sum", "col3", "5", "")
	meta := baseTestMeta()
	const writers = 4
	const rowsPerWriter = 50

	// one shared offset sequence; a writer that loses the race to apply its
	// offset redraws, the way the base writer would reassign
	var offsets atomic.Uint64
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for j := 0; j < rowsPerWriter; j++ {
				for {
					off := offsets.Add(1)
					row := encodeBaseRow(t, meta, 1, int64(off)*100)
					err := e.agg.Update("id1|id2", row, off, false)
					if errors.Is(err, ErrOffsetRegression) {
						continue
					}
					errs[w] = err
					break
				}
				if errs[w] != nil {
					return
				}
			}
		}(w)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// every input lands exactly once: flushed rows plus the live buffer
	var total int64
	for _, fr := range e.flushedRows(t) {
		require.Equal(t, "id1|id2", fr.key)
		total += int64(fr.numRows)
	}
	if buf, ok := e.agg.GetAggrBuffer("id1|id2"); ok {
		total += int64(buf.AggrCnt)
	}
	require.EqualValues(t, writers*rowsPerWriter, total)
}

func TestFlushAllWithConfiguredLimit(t *testing.T) {
	aggrMeta := NewAggrTableMeta("aggr_t", 2)
	aggrTable, err := table.NewMemTable(aggrMeta)
	require.NoError(t, err)
	agg, err := NewAggregator(AggregatorParams{
		BaseMeta:   baseTestMeta(),
		AggrMeta:   aggrMeta,
		AggrTable:  aggrTable,
		AggrCol:    "col3",
		AggrFunc:   "sum",
		TsCol:      "ts_col",
		BucketSize: "1s",
		FlushLimit: 1,
	})
	require.NoError(t, err)
	require.NoError(t, agg.Init(nil))

	meta := baseTestMeta()
	for k := 0; k < 3; k++ {
		row := encodeBaseRow(t, meta, k, 100)
		require.NoError(t, agg.Update(fmt.Sprintf("user%02d", k), row, uint64(k+1), false))
	}
	require.NoError(t, agg.FlushAll())
	require.EqualValues(t, 3, aggrTable.GetRecordCnt())
}

func TestParseBucketSize(t *testing.T) {
	cases := []struct {
		in     string
		wType  WindowType
		wSize  int64
		hasErr bool
	}{
		{"1000", WindowRowsNum, 1000, false},
		{"2s", WindowRowsRange, 2000, false},
		{"3m", WindowRowsRange, 180000, false},
		{"100h", WindowRowsRange, 360000000, false},
		{"1d", WindowRowsRange, 86400000, false},
		{"", 0, 0, true},
		{"0", 0, 0, true},
		{"-5", 0, 0, true},
		{"5x", 0, 0, true},
		{"s", 0, 0, true},
	}
	for _, c := range cases {
		wt, ws, err := parseBucketSize(c.in)
		if c.hasErr {
			require.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		require.Equal(t, c.wType, wt, c.in)
		require.Equal(t, c.wSize, ws, c.in)
	}
}

func TestNewAggregatorValidation(t *testing.T) {
	meta := baseTestMeta()
	aggrMeta := NewAggrTableMeta("aggr_t", 2)
	aggrTable, err := table.NewMemTable(aggrMeta)
	require.NoError(t, err)

	mk := func(fn, col, filter string) error {
		_, err := NewAggregator(AggregatorParams{
			BaseMeta:   meta,
			AggrMeta:   aggrMeta,
			AggrTable:  aggrTable,
			AggrCol:    col,
			AggrFunc:   fn,
			TsCol:      "ts_col",
			BucketSize: "2",
			FilterCol:  filter,
		})
		return err
	}

	require.Error(t, mk("median", "col3", ""))
	require.ErrorIs(t, mk("sum", "missing", ""), ErrSchemaMismatch)
	require.ErrorIs(t, mk("avg", "col9", ""), ErrUnsupportedType)
	require.ErrorIs(t, mk("sum", "col9", ""), ErrUnsupportedType)
	require.Error(t, mk("count_where", "col3", ""))
	require.ErrorIs(t, mk("count_where", "col3", "missing"), ErrSchemaMismatch)
	require.Error(t, mk("sum", "col3", "col_filter"))
	require.ErrorIs(t, mk("sum", "*", ""), ErrUnsupportedType)

	_, err = NewAggregator(AggregatorParams{
		BaseMeta:   meta,
		AggrMeta:   aggrMeta,
		AggrTable:  aggrTable,
		AggrCol:    "col3",
		AggrFunc:   "sum",
		TsCol:      "id1",
		BucketSize: "2",
	})
	require.ErrorIs(t, err, ErrUnsupportedType)

	// the in-memory table carries a single index
	_, err = NewAggregator(AggregatorParams{
		BaseMeta:   meta,
		AggrMeta:   aggrMeta,
		AggrTable:  aggrTable,
		IndexPos:   1,
		AggrCol:    "col3",
		AggrFunc:   "sum",
		TsCol:      "ts_col",
		BucketSize: "2",
	})
	require.ErrorContains(t, err, "index 1")
}

package table

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nautaa/OpenMLDB/internal/core/codec"
)

func testMeta() *codec.TableMeta {
	return &codec.TableMeta{
		Name: "pre_aggr_1",
		Schema: codec.Schema{
			{Name: "key", Type: codec.TypeString},
			{Name: "ts_start", Type: codec.TypeTimestamp},
			{Name: "payload", Type: codec.TypeString},
		},
		KeyCols: []string{"key"},
		TsCol:   "ts_start",
	}
}

func encodeRow(t *testing.T, meta *codec.TableMeta, key string, ts int64, payload string) []byte {
	t.Helper()
	b := codec.NewRowBuilder(meta.Schema)
	buf := make([]byte, b.CalTotalLength(len(key)+len(payload)))
	require.NoError(t, b.SetBuffer(buf))
	b.AppendString([]byte(key))
	b.AppendTimestamp(ts)
	b.AppendString([]byte(payload))
	require.NoError(t, b.Err())
	return buf
}

func putRow(t *testing.T, mt *MemTable, key string, ts int64, payload string) {
	t.Helper()
	row := encodeRow(t, mt.meta, key, ts, payload)
	require.NoError(t, mt.Put(ts+1000, row, []Dimension{{Key: key, Idx: 0}}))
}

func TestMemTableSeekLowerBound(t *testing.T) {
	mt, err := NewMemTable(testMeta())
	require.NoError(t, err)

	for _, ts := range []int64{1000, 3000, 5000} {
		putRow(t, mt, "k1", ts, fmt.Sprintf("v%d", ts))
	}

	it, err := mt.NewTraverseIterator(0)
	require.NoError(t, err)

	// exact hit
	it.Seek("k1", 3000)
	require.True(t, it.Valid())
	require.Equal(t, int64(3000), it.GetTS())

	// between rows: nearest lower
	it.Seek("k1", 4000)
	require.True(t, it.Valid())
	require.Equal(t, int64(3000), it.GetTS())

	// below all rows: past the key
	it.Seek("k1", 500)
	require.False(t, it.Valid())

	// absent key positions elsewhere; caller checks GetPK
	putRow(t, mt, "k2", 100, "x")
	it, err = mt.NewTraverseIterator(0)
	require.NoError(t, err)
	it.Seek("k0", 9999)
	require.True(t, it.Valid())
	require.Equal(t, "k1", it.GetPK())
}

func TestMemTableVersionsNewestFirst(t *testing.T) {
	mt, err := NewMemTable(testMeta())
	require.NoError(t, err)

	putRow(t, mt, "k1", 1000, "old")
	putRow(t, mt, "k1", 1000, "new")
	require.Equal(t, int64(2), mt.GetRecordCnt())

	it, err := mt.NewTraverseIterator(0)
	require.NoError(t, err)
	it.Seek("k1", 1000)
	require.True(t, it.Valid())

	view := codec.NewRowView(testMeta().Schema)
	payload, err := view.GetString(it.GetValue(), 2)
	require.NoError(t, err)
	require.Equal(t, "new", string(payload))
}

func TestMemTableTraverseOrder(t *testing.T) {
	mt, err := NewMemTable(testMeta())
	require.NoError(t, err)

	putRow(t, mt, "b", 1000, "b1")
	putRow(t, mt, "a", 2000, "a2")
	putRow(t, mt, "a", 1000, "a1")

	it, err := mt.NewTraverseIterator(0)
	require.NoError(t, err)
	it.SeekToFirst()

	var got []string
	for it.Valid() {
		got = append(got, fmt.Sprintf("%s@%d", it.GetPK(), it.GetTS()))
		it.Next()
	}
	require.Equal(t, []string{"a@2000", "a@1000", "b@1000"}, got)

	it.SeekToFirst()
	it.NextPK()
	require.True(t, it.Valid())
	require.Equal(t, "b", it.GetPK())
	it.NextPK()
	require.False(t, it.Valid())
}

func TestMemTableRejectsBadTsColumn(t *testing.T) {
	meta := testMeta()
	meta.TsCol = "payload"
	_, err := NewMemTable(meta)
	require.Error(t, err)

	meta.TsCol = "missing"
	_, err = NewMemTable(meta)
	require.Error(t, err)
}

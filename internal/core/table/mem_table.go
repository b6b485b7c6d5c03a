package table

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/nautaa/OpenMLDB/internal/core/codec"
)

const numShards = 16

type entry struct {
	ts      int64 // index timestamp extracted from the row
	putTime int64
	value   []byte
}

type shard struct {
	mu   sync.RWMutex
	keys map[string][]entry // ts descending, newest version first for equal ts
}

// MemTable is an in-memory Table keyed by dimension, sharded by key hash so
// concurrent writers for different keys rarely contend.
type MemTable struct {
	meta      *codec.TableMeta
	tsColIdx  int
	tsColType codec.DataType
	view      *codec.RowView
	shards    [numShards]*shard
	recordCnt atomic.Int64
}

func NewMemTable(meta *codec.TableMeta) (*MemTable, error) {
	tsIdx := meta.Schema.IndexOf(meta.TsCol)
	if tsIdx < 0 {
		return nil, fmt.Errorf("ts column %q not in schema of table %q", meta.TsCol, meta.Name)
	}
	tsType := meta.Schema[tsIdx].Type
	if tsType != codec.TypeTimestamp && tsType != codec.TypeBigInt {
		return nil, fmt.Errorf("ts column %q of table %q must be timestamp or bigint, got %s", meta.TsCol, meta.Name, tsType)
	}
	t := &MemTable{
		meta:      meta,
		tsColIdx:  tsIdx,
		tsColType: tsType,
		view:      codec.NewRowView(meta.Schema),
	}
	for i := range t.shards {
		t.shards[i] = &shard{keys: make(map[string][]entry)}
	}
	return t, nil
}

func (t *MemTable) shardFor(key string) *shard {
	return t.shards[xxhash.Sum64String(key)%numShards]
}

func (t *MemTable) indexTS(row []byte) (int64, error) {
	if t.tsColType == codec.TypeBigInt {
		return t.view.GetInt64(row, t.tsColIdx)
	}
	return t.view.GetTimestamp(row, t.tsColIdx)
}

func (t *MemTable) Put(time int64, row []byte, dims []Dimension) error {
	if len(dims) == 0 {
		return fmt.Errorf("put without dimensions on table %q", t.meta.Name)
	}
	ts, err := t.indexTS(row)
	if err != nil {
		return fmt.Errorf("extract index ts: %w", err)
	}
	stored := make([]byte, len(row))
	copy(stored, row)
	for _, dim := range dims {
		s := t.shardFor(dim.Key)
		s.mu.Lock()
		entries := s.keys[dim.Key]
		// insertion point: before any entry with a lower ts, and before
		// existing entries with the same ts (newest version first)
		i := sort.Search(len(entries), func(i int) bool {
			return entries[i].ts <= ts
		})
		entries = append(entries, entry{})
		copy(entries[i+1:], entries[i:])
		entries[i] = entry{ts: ts, putTime: time, value: stored}
		s.keys[dim.Key] = entries
		s.mu.Unlock()
		t.recordCnt.Add(1)
	}
	return nil
}

func (t *MemTable) NewTraverseIterator(idx uint32) (TraverseIterator, error) {
	if idx != 0 {
		return nil, fmt.Errorf("table %q has a single index, got idx %d", t.meta.Name, idx)
	}
	var rows []Row
	for _, s := range t.shards {
		s.mu.RLock()
		for key, entries := range s.keys {
			for _, e := range entries {
				rows = append(rows, Row{PK: key, TS: e.ts, Value: e.value})
			}
		}
		s.mu.RUnlock()
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].PK != rows[j].PK {
			return rows[i].PK < rows[j].PK
		}
		return false // per-key order is already ts desc, newest first
	})
	return NewRowsIterator(rows), nil
}

func (t *MemTable) GetRecordCnt() int64 {
	return t.recordCnt.Load()
}

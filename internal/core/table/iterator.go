package table

import "sort"

// Row is one stored row version in iteration order.
type Row struct {
	PK    string
	TS    int64
	Value []byte
}

// rowsIterator implements TraverseIterator over a materialized snapshot.
// rows must already be ordered by PK ascending, TS descending, newest
// version first for equal TS. Both the in-memory table and the Postgres
// adapter produce snapshots in this order.
type rowsIterator struct {
	rows []Row
	pos  int
}

// NewRowsIterator wraps an ordered snapshot in a TraverseIterator.
func NewRowsIterator(rows []Row) TraverseIterator {
	return &rowsIterator{rows: rows}
}

func (it *rowsIterator) SeekToFirst() { it.pos = 0 }

func (it *rowsIterator) Seek(key string, ts int64) {
	// first row of the key
	it.pos = sort.Search(len(it.rows), func(i int) bool {
		return it.rows[i].PK >= key
	})
	for it.pos < len(it.rows) && it.rows[it.pos].PK == key && it.rows[it.pos].TS > ts {
		it.pos++
	}
}

func (it *rowsIterator) Valid() bool {
	return it.pos < len(it.rows)
}

func (it *rowsIterator) Next() { it.pos++ }

func (it *rowsIterator) NextPK() {
	if !it.Valid() {
		return
	}
	pk := it.rows[it.pos].PK
	for it.pos < len(it.rows) && it.rows[it.pos].PK == pk {
		it.pos++
	}
}

func (it *rowsIterator) GetPK() string {
	return it.rows[it.pos].PK
}

func (it *rowsIterator) GetTS() int64 {
	return it.rows[it.pos].TS
}

func (it *rowsIterator) GetValue() []byte {
	return it.rows[it.pos].Value
}

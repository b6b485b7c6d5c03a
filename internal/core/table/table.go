// Package table defines the storage contract the pre-aggregation engine
// writes flushed buckets into, plus an in-memory implementation.
package table

// Dimension routes a row to one index of a table.
type Dimension struct {
	Key string
	Idx uint32
}

// Table is the aggregate-table collaborator contract.
//
// Put never replaces: rows stack as versions, and iterators surface the
// newest version first, so a rewrite of a bucket supersedes the previous row
// under last-writer-wins while GetRecordCnt keeps counting every put.
type Table interface {
	// Put stores row under the dimension keys. time is the wall-clock write
	// timestamp in ms; the index timestamp is extracted from the row itself.
	Put(time int64, row []byte, dims []Dimension) error

	// NewTraverseIterator returns a snapshot iterator over the given index.
	NewTraverseIterator(idx uint32) (TraverseIterator, error)

	// GetRecordCnt returns the number of stored row versions.
	GetRecordCnt() int64
}

// TraverseIterator walks a table ordered by key ascending, then index
// timestamp descending within a key, newest version first for equal
// timestamps.
type TraverseIterator interface {
	SeekToFirst()

	// Seek positions at the row for key with the exact timestamp ts, or,
	// if none exists, at the nearest row with a lower timestamp for the
	// same key. When the key has no row at or below ts the iterator moves
	// past the key; callers must re-check GetPK.
	Seek(key string, ts int64)

	Valid() bool
	Next()

	// NextPK skips the remaining rows of the current key.
	NextPK()

	GetPK() string
	GetTS() int64
	GetValue() []byte
}

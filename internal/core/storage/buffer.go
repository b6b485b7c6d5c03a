package storage

import (
	"sync"

	"github.com/nautaa/OpenMLDB/internal/core/codec"
)

// AggrVal is the accumulator cell. It mirrors a tagged union: the aggregate
// function and column type decide which slot is live. Integer-widened sums
// share VLong regardless of the source width; Min/Max keep the native width.
// "No sample yet" is tracked by AggrBuffer.NonNullCnt, not by a zero value.
type AggrVal struct {
	VSmallInt int16
	VInt      int32
	VLong     int64
	VFloat    float32
	VDouble   float64
	VString   []byte
}

// AggrBuffer is the live per-key, per-bucket state.
type AggrBuffer struct {
	DataType codec.DataType

	// Inclusive bucket range in ms. TsBegin == -1 means uninitialized.
	TsBegin int64
	TsEnd   int64

	// AggrCnt counts every row observed in the bucket, nulls included.
	// NonNullCnt counts rows that reached the accumulator.
	AggrCnt    int32
	NonNullCnt int64

	AggrVal AggrVal

	// BinlogOffset is the highest base-log offset folded into this bucket.
	BinlogOffset uint64

	// KeyEnd is the byte length of the pk portion of the aggregation key.
	// Positive filter-column suffixes (count_where) start here.
	KeyEnd int
}

// clear resets the accumulator state for bucket advance. DataType, KeyEnd
// and BinlogOffset survive; the caller re-stamps the range and offset.
func (b *AggrBuffer) clear() {
	b.TsBegin = -1
	b.TsEnd = -1
	b.AggrCnt = 0
	b.NonNullCnt = 0
	b.AggrVal = AggrVal{}
}

// snapshot returns a deep copy safe to flush after the per-key lock is
// released. The string accumulator is cloned so the live buffer can keep
// growing it in place.
func (b *AggrBuffer) snapshot() AggrBuffer {
	cp := *b
	if b.AggrVal.VString != nil {
		cp.AggrVal.VString = append([]byte(nil), b.AggrVal.VString...)
	}
	return cp
}

// aggrBufferLocked pairs a buffer with its own mutex. The map mutex only
// guards lookup and insert; all field mutation happens under mu.
type aggrBufferLocked struct {
	mu     sync.Mutex
	buffer AggrBuffer
}

package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Row layout:
//
//	| version (1B) | total size (4B LE) | null bitmap | fixed region | string region |
//
// Fixed-width columns occupy their native width in the fixed region. Var-len
// columns occupy a 4-byte slot holding the absolute offset of their payload in
// the string region; a payload's length is the distance to the next var-len
// column's offset (or to the end of the row). All integers are little-endian.
const rowVersion = 1

const headerBaseLen = 5

// RowBuilder encodes one row at a time into a caller-provided buffer.
// Columns must be appended in schema order. Errors latch: the first failed
// append poisons the builder until the next SetBuffer, and Err reports it.
type RowBuilder struct {
	schema    Schema
	offsets   []uint32 // fixed-region slot per column, relative to row start
	headerLen uint32
	fixedLen  uint32

	buf       []byte
	cnt       int
	strOffset uint32
	err       error
}

func NewRowBuilder(schema Schema) *RowBuilder {
	b := &RowBuilder{schema: schema}
	b.headerLen = headerBaseLen + uint32((len(schema)+7)/8)
	b.offsets = make([]uint32, len(schema))
	off := b.headerLen
	for i, c := range schema {
		b.offsets[i] = off
		off += uint32(c.Type.fixedSize())
	}
	b.fixedLen = off - b.headerLen
	return b
}

// CalTotalLength returns the row size for the given total string payload length.
func (b *RowBuilder) CalTotalLength(strLen int) uint32 {
	return b.headerLen + b.fixedLen + uint32(strLen)
}

// SetBuffer points the builder at buf and writes the row header. buf must be
// exactly the size returned by CalTotalLength for the row being built.
func (b *RowBuilder) SetBuffer(buf []byte) error {
	if uint32(len(buf)) < b.headerLen+b.fixedLen {
		return fmt.Errorf("row buffer too small: %d < %d", len(buf), b.headerLen+b.fixedLen)
	}
	b.buf = buf
	b.cnt = 0
	b.strOffset = b.headerLen + b.fixedLen
	b.err = nil
	buf[0] = rowVersion
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(buf)))
	for i := headerBaseLen; i < int(b.headerLen); i++ {
		buf[i] = 0
	}
	return nil
}

// Err returns the first append error since the last SetBuffer.
func (b *RowBuilder) Err() error { return b.err }

func (b *RowBuilder) next(want ...DataType) (int, bool) {
	if b.err != nil {
		return 0, false
	}
	if b.cnt >= len(b.schema) {
		b.err = fmt.Errorf("append past last column (%d)", len(b.schema))
		return 0, false
	}
	idx := b.cnt
	ok := len(want) == 0
	for _, t := range want {
		if b.schema[idx].Type == t {
			ok = true
		}
	}
	if !ok {
		b.err = fmt.Errorf("column %q is %s, append of %s refused", b.schema[idx].Name, b.schema[idx].Type, want[0])
		return 0, false
	}
	b.cnt++
	return idx, true
}

func (b *RowBuilder) setNullBit(idx int) {
	b.buf[headerBaseLen+idx/8] |= 1 << uint(idx%8)
}

// AppendNULL appends a null cell for the next column.
func (b *RowBuilder) AppendNULL() {
	idx, ok := b.next()
	if !ok {
		return
	}
	b.setNullBit(idx)
	if b.schema[idx].Type.IsVarLen() {
		// record the running offset so later string lengths still resolve
		binary.LittleEndian.PutUint32(b.buf[b.offsets[idx]:], b.strOffset)
	}
}

func (b *RowBuilder) AppendBool(v bool) {
	idx, ok := b.next(TypeBool)
	if !ok {
		return
	}
	if v {
		b.buf[b.offsets[idx]] = 1
	} else {
		b.buf[b.offsets[idx]] = 0
	}
}

func (b *RowBuilder) AppendInt16(v int16) {
	idx, ok := b.next(TypeSmallInt)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint16(b.buf[b.offsets[idx]:], uint16(v))
}

func (b *RowBuilder) AppendInt32(v int32) {
	idx, ok := b.next(TypeInt)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint32(b.buf[b.offsets[idx]:], uint32(v))
}

func (b *RowBuilder) AppendInt64(v int64) {
	idx, ok := b.next(TypeBigInt)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint64(b.buf[b.offsets[idx]:], uint64(v))
}

func (b *RowBuilder) AppendTimestamp(v int64) {
	idx, ok := b.next(TypeTimestamp)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint64(b.buf[b.offsets[idx]:], uint64(v))
}

func (b *RowBuilder) AppendDate(v int32) {
	idx, ok := b.next(TypeDate)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint32(b.buf[b.offsets[idx]:], uint32(v))
}

func (b *RowBuilder) AppendFloat(v float32) {
	idx, ok := b.next(TypeFloat)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint32(b.buf[b.offsets[idx]:], math.Float32bits(v))
}

func (b *RowBuilder) AppendDouble(v float64) {
	idx, ok := b.next(TypeDouble)
	if !ok {
		return
	}
	binary.LittleEndian.PutUint64(b.buf[b.offsets[idx]:], math.Float64bits(v))
}

func (b *RowBuilder) AppendString(v []byte) {
	idx, ok := b.next(TypeVarchar, TypeString)
	if !ok {
		return
	}
	if int(b.strOffset)+len(v) > len(b.buf) {
		b.err = fmt.Errorf("string payload overflows row buffer (col %q)", b.schema[idx].Name)
		return
	}
	binary.LittleEndian.PutUint32(b.buf[b.offsets[idx]:], b.strOffset)
	copy(b.buf[b.strOffset:], v)
	b.strOffset += uint32(len(v))
}

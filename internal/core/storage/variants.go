package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nautaa/OpenMLDB/internal/core/codec"
)

// Accumulator encodings are little-endian and width-stable so persisted
// agg_val bytes decode across restarts.

// sumAggregator widens integer inputs to int64; float and double keep their
// own accumulator.
type sumAggregator struct {
	base *baseAggregator
}

func (s *sumAggregator) UpdateAggrVal(row []byte, buf *AggrBuffer) error {
	rv := s.base.baseRowView
	idx := s.base.aggrColIdx
	if rv.IsNull(row, idx) {
		return nil
	}
	switch s.base.aggrColType {
	case codec.TypeSmallInt:
		v, err := rv.GetInt16(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VLong += int64(v)
	case codec.TypeInt:
		v, err := rv.GetInt32(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VLong += int64(v)
	case codec.TypeBigInt:
		v, err := rv.GetInt64(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VLong += v
	case codec.TypeTimestamp:
		v, err := rv.GetTimestamp(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VLong += v
	case codec.TypeFloat:
		v, err := rv.GetFloat(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VFloat += v
	case codec.TypeDouble:
		v, err := rv.GetDouble(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VDouble += v
	default:
		return fmt.Errorf("%w: sum over %s", ErrUnsupportedType, s.base.aggrColType)
	}
	buf.NonNullCnt++
	return nil
}

// EncodeAggrVal always emits the raw accumulator bytes; an all-null bucket
// flushes as zero, not NULL (only Min/Max encode emptiness as NULL).
func (s *sumAggregator) EncodeAggrVal(buf *AggrBuffer) ([]byte, error) {
	switch s.base.aggrColType {
	case codec.TypeSmallInt, codec.TypeInt, codec.TypeBigInt, codec.TypeTimestamp:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, uint64(buf.AggrVal.VLong))
		return out, nil
	case codec.TypeFloat:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, math.Float32bits(buf.AggrVal.VFloat))
		return out, nil
	case codec.TypeDouble:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, math.Float64bits(buf.AggrVal.VDouble))
		return out, nil
	}
	return nil, fmt.Errorf("%w: sum over %s", ErrUnsupportedType, s.base.aggrColType)
}

func (s *sumAggregator) DecodeAggrVal(raw []byte, buf *AggrBuffer) error {
	if raw == nil {
		return nil
	}
	switch s.base.aggrColType {
	case codec.TypeSmallInt, codec.TypeInt, codec.TypeBigInt, codec.TypeTimestamp:
		if len(raw) != 8 {
			return fmt.Errorf("%w: sum value has %d bytes", ErrCorruptedBucket, len(raw))
		}
		buf.AggrVal.VLong = int64(binary.LittleEndian.Uint64(raw))
	case codec.TypeFloat:
		if len(raw) != 4 {
			return fmt.Errorf("%w: sum value has %d bytes", ErrCorruptedBucket, len(raw))
		}
		buf.AggrVal.VFloat = math.Float32frombits(binary.LittleEndian.Uint32(raw))
	case codec.TypeDouble:
		if len(raw) != 8 {
			return fmt.Errorf("%w: sum value has %d bytes", ErrCorruptedBucket, len(raw))
		}
		buf.AggrVal.VDouble = math.Float64frombits(binary.LittleEndian.Uint64(raw))
	default:
		return fmt.Errorf("%w: sum over %s", ErrUnsupportedType, s.base.aggrColType)
	}
	buf.NonNullCnt = int64(buf.AggrCnt)
	return nil
}

// minMaxAggregator keeps the extremum at the source column's native width.
// isMin selects the direction.
type minMaxAggregator struct {
	base  *baseAggregator
	isMin bool
}

func (m *minMaxAggregator) better(cmp int) bool {
	if m.isMin {
		return cmp < 0
	}
	return cmp > 0
}

func (m *minMaxAggregator) UpdateAggrVal(row []byte, buf *AggrBuffer) error {
	rv := m.base.baseRowView
	idx := m.base.aggrColIdx
	if rv.IsNull(row, idx) {
		return nil
	}
	first := buf.NonNullCnt == 0
	switch m.base.aggrColType {
	case codec.TypeSmallInt:
		v, err := rv.GetInt16(row, idx)
		if err != nil {
			return err
		}
		if first || m.better(compareOrdered(v, buf.AggrVal.VSmallInt)) {
			buf.AggrVal.VSmallInt = v
		}
	case codec.TypeInt:
		v, err := rv.GetInt32(row, idx)
		if err != nil {
			return err
		}
		if first || m.better(compareOrdered(v, buf.AggrVal.VInt)) {
			buf.AggrVal.VInt = v
		}
	case codec.TypeDate:
		v, err := rv.GetDate(row, idx)
		if err != nil {
			return err
		}
		if first || m.better(compareOrdered(v, buf.AggrVal.VInt)) {
			buf.AggrVal.VInt = v
		}
	case codec.TypeBigInt:
		v, err := rv.GetInt64(row, idx)
		if err != nil {
			return err
		}
		if first || m.better(compareOrdered(v, buf.AggrVal.VLong)) {
			buf.AggrVal.VLong = v
		}
	case codec.TypeTimestamp:
		v, err := rv.GetTimestamp(row, idx)
		if err != nil {
			return err
		}
		if first || m.better(compareOrdered(v, buf.AggrVal.VLong)) {
			buf.AggrVal.VLong = v
		}
	case codec.TypeFloat:
		v, err := rv.GetFloat(row, idx)
		if err != nil {
			return err
		}
		if first || m.better(compareOrdered(v, buf.AggrVal.VFloat)) {
			buf.AggrVal.VFloat = v
		}
	case codec.TypeDouble:
		v, err := rv.GetDouble(row, idx)
		if err != nil {
			return err
		}
		if first || m.better(compareOrdered(v, buf.AggrVal.VDouble)) {
			buf.AggrVal.VDouble = v
		}
	case codec.TypeVarchar, codec.TypeString:
		v, err := rv.GetString(row, idx)
		if err != nil {
			return err
		}
		if first || m.better(compareBytes(v, buf.AggrVal.VString)) {
			buf.AggrVal.VString = append(buf.AggrVal.VString[:0], v...)
		}
	default:
		return fmt.Errorf("%w: %s over %s", ErrUnsupportedType, m.name(), m.base.aggrColType)
	}
	buf.NonNullCnt++
	return nil
}

func (m *minMaxAggregator) name() string {
	if m.isMin {
		return "min"
	}
	return "max"
}

func (m *minMaxAggregator) EncodeAggrVal(buf *AggrBuffer) ([]byte, error) {
	if buf.NonNullCnt == 0 {
		return nil, nil
	}
	switch m.base.aggrColType {
	case codec.TypeSmallInt:
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(buf.AggrVal.VSmallInt))
		return out, nil
	case codec.TypeInt, codec.TypeDate:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(buf.AggrVal.VInt))
		return out, nil
	case codec.TypeBigInt, codec.TypeTimestamp:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, uint64(buf.AggrVal.VLong))
		return out, nil
	case codec.TypeFloat:
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, math.Float32bits(buf.AggrVal.VFloat))
		return out, nil
	case codec.TypeDouble:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, math.Float64bits(buf.AggrVal.VDouble))
		return out, nil
	case codec.TypeVarchar, codec.TypeString:
		return append([]byte(nil), buf.AggrVal.VString...), nil
	}
	return nil, fmt.Errorf("%w: %s over %s", ErrUnsupportedType, m.name(), m.base.aggrColType)
}

func (m *minMaxAggregator) DecodeAggrVal(raw []byte, buf *AggrBuffer) error {
	if raw == nil {
		return nil
	}
	switch m.base.aggrColType {
	case codec.TypeSmallInt:
		if len(raw) != 2 {
			return fmt.Errorf("%w: %s value has %d bytes", ErrCorruptedBucket, m.name(), len(raw))
		}
		buf.AggrVal.VSmallInt = int16(binary.LittleEndian.Uint16(raw))
	case codec.TypeInt, codec.TypeDate:
		if len(raw) != 4 {
			return fmt.Errorf("%w: %s value has %d bytes", ErrCorruptedBucket, m.name(), len(raw))
		}
		buf.AggrVal.VInt = int32(binary.LittleEndian.Uint32(raw))
	case codec.TypeBigInt, codec.TypeTimestamp:
		if len(raw) != 8 {
			return fmt.Errorf("%w: %s value has %d bytes", ErrCorruptedBucket, m.name(), len(raw))
		}
		buf.AggrVal.VLong = int64(binary.LittleEndian.Uint64(raw))
	case codec.TypeFloat:
		if len(raw) != 4 {
			return fmt.Errorf("%w: %s value has %d bytes", ErrCorruptedBucket, m.name(), len(raw))
		}
		buf.AggrVal.VFloat = math.Float32frombits(binary.LittleEndian.Uint32(raw))
	case codec.TypeDouble:
		if len(raw) != 8 {
			return fmt.Errorf("%w: %s value has %d bytes", ErrCorruptedBucket, m.name(), len(raw))
		}
		buf.AggrVal.VDouble = math.Float64frombits(binary.LittleEndian.Uint64(raw))
	case codec.TypeVarchar, codec.TypeString:
		buf.AggrVal.VString = append([]byte(nil), raw...)
	default:
		return fmt.Errorf("%w: %s over %s", ErrUnsupportedType, m.name(), m.base.aggrColType)
	}
	buf.NonNullCnt = int64(buf.AggrCnt)
	return nil
}

// countAggregator serves count, count(*) and count_where; count_where gets
// its WHERE semantics from aggregation-key partitioning, not from here.
type countAggregator struct {
	base *baseAggregator
}

func (c *countAggregator) UpdateAggrVal(row []byte, buf *AggrBuffer) error {
	if c.base.countAll || !c.base.baseRowView.IsNull(row, c.base.aggrColIdx) {
		buf.NonNullCnt++
	}
	return nil
}

func (c *countAggregator) EncodeAggrVal(buf *AggrBuffer) ([]byte, error) {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(buf.NonNullCnt))
	return out, nil
}

func (c *countAggregator) DecodeAggrVal(raw []byte, buf *AggrBuffer) error {
	if raw == nil {
		return nil
	}
	if len(raw) != 8 {
		return fmt.Errorf("%w: count value has %d bytes", ErrCorruptedBucket, len(raw))
	}
	buf.NonNullCnt = int64(binary.LittleEndian.Uint64(raw))
	return nil
}

// avgAggregator accumulates a float64 running sum next to the non-null
// count; both persist so late rows keep the average exact.
type avgAggregator struct {
	base *baseAggregator
}

func (a *avgAggregator) UpdateAggrVal(row []byte, buf *AggrBuffer) error {
	rv := a.base.baseRowView
	idx := a.base.aggrColIdx
	if rv.IsNull(row, idx) {
		return nil
	}
	switch a.base.aggrColType {
	case codec.TypeSmallInt:
		v, err := rv.GetInt16(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VDouble += float64(v)
	case codec.TypeInt:
		v, err := rv.GetInt32(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VDouble += float64(v)
	case codec.TypeBigInt:
		v, err := rv.GetInt64(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VDouble += float64(v)
	case codec.TypeFloat:
		v, err := rv.GetFloat(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VDouble += float64(v)
	case codec.TypeDouble:
		v, err := rv.GetDouble(row, idx)
		if err != nil {
			return err
		}
		buf.AggrVal.VDouble += v
	default:
		return fmt.Errorf("%w: avg over %s", ErrUnsupportedType, a.base.aggrColType)
	}
	buf.NonNullCnt++
	return nil
}

func (a *avgAggregator) EncodeAggrVal(buf *AggrBuffer) ([]byte, error) {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out, math.Float64bits(buf.AggrVal.VDouble))
	binary.LittleEndian.PutUint64(out[8:], uint64(buf.NonNullCnt))
	return out, nil
}

func (a *avgAggregator) DecodeAggrVal(raw []byte, buf *AggrBuffer) error {
	if raw == nil {
		return nil
	}
	if len(raw) != 16 {
		return fmt.Errorf("%w: avg value has %d bytes", ErrCorruptedBucket, len(raw))
	}
	buf.AggrVal.VDouble = math.Float64frombits(binary.LittleEndian.Uint64(raw))
	buf.NonNullCnt = int64(binary.LittleEndian.Uint64(raw[8:]))
	return nil
}

func compareOrdered[T int16 | int32 | int64 | float32 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareBytes(a, b []byte) int { return bytes.Compare(a, b) }

package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// RowView reads typed fields out of rows produced by RowBuilder for the same
// schema. A single view can decode any number of rows; it holds no row state.
type RowView struct {
	schema    Schema
	offsets   []uint32
	headerLen uint32
	fixedLen  uint32
	// schema indexes of var-len columns, in schema order, for length resolution
	varCols []int
}

func NewRowView(schema Schema) *RowView {
	v := &RowView{schema: schema}
	v.headerLen = headerBaseLen + uint32((len(schema)+7)/8)
	v.offsets = make([]uint32, len(schema))
	off := v.headerLen
	for i, c := range schema {
		v.offsets[i] = off
		off += uint32(c.Type.fixedSize())
		if c.Type.IsVarLen() {
			v.varCols = append(v.varCols, i)
		}
	}
	v.fixedLen = off - v.headerLen
	return v
}

func (v *RowView) check(row []byte, idx int, want ...DataType) error {
	if idx < 0 || idx >= len(v.schema) {
		return fmt.Errorf("column index %d out of range (%d columns)", idx, len(v.schema))
	}
	if uint32(len(row)) < v.headerLen+v.fixedLen {
		return fmt.Errorf("row too small: %d bytes", len(row))
	}
	if row[0] != rowVersion {
		return fmt.Errorf("unsupported row version %d", row[0])
	}
	if len(want) > 0 {
		ok := false
		for _, t := range want {
			if v.schema[idx].Type == t {
				ok = true
			}
		}
		if !ok {
			return fmt.Errorf("column %q is %s, read as %s refused", v.schema[idx].Name, v.schema[idx].Type, want[0])
		}
	}
	return nil
}

// IsNull reports whether the cell at idx is null. Out-of-range reads as null.
func (v *RowView) IsNull(row []byte, idx int) bool {
	if idx < 0 || idx >= len(v.schema) || uint32(len(row)) < v.headerLen {
		return true
	}
	return row[headerBaseLen+idx/8]&(1<<uint(idx%8)) != 0
}

func (v *RowView) GetBool(row []byte, idx int) (bool, error) {
	if err := v.check(row, idx, TypeBool); err != nil {
		return false, err
	}
	return row[v.offsets[idx]] != 0, nil
}

func (v *RowView) GetInt16(row []byte, idx int) (int16, error) {
	if err := v.check(row, idx, TypeSmallInt); err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(row[v.offsets[idx]:])), nil
}

func (v *RowView) GetInt32(row []byte, idx int) (int32, error) {
	if err := v.check(row, idx, TypeInt); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(row[v.offsets[idx]:])), nil
}

func (v *RowView) GetInt64(row []byte, idx int) (int64, error) {
	if err := v.check(row, idx, TypeBigInt); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(row[v.offsets[idx]:])), nil
}

func (v *RowView) GetTimestamp(row []byte, idx int) (int64, error) {
	if err := v.check(row, idx, TypeTimestamp); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(row[v.offsets[idx]:])), nil
}

func (v *RowView) GetDate(row []byte, idx int) (int32, error) {
	if err := v.check(row, idx, TypeDate); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(row[v.offsets[idx]:])), nil
}

func (v *RowView) GetFloat(row []byte, idx int) (float32, error) {
	if err := v.check(row, idx, TypeFloat); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(row[v.offsets[idx]:])), nil
}

func (v *RowView) GetDouble(row []byte, idx int) (float64, error) {
	if err := v.check(row, idx, TypeDouble); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(row[v.offsets[idx]:])), nil
}

// GetString returns the var-len payload of the column at idx. The returned
// slice aliases row.
func (v *RowView) GetString(row []byte, idx int) ([]byte, error) {
	if err := v.check(row, idx, TypeVarchar, TypeString); err != nil {
		return nil, err
	}
	start := binary.LittleEndian.Uint32(row[v.offsets[idx]:])
	end := binary.LittleEndian.Uint32(row[1:5])
	for _, vc := range v.varCols {
		if vc > idx {
			end = binary.LittleEndian.Uint32(row[v.offsets[vc]:])
			break
		}
	}
	if start > end || end > uint32(len(row)) {
		return nil, fmt.Errorf("corrupt string offsets for column %q: [%d, %d)", v.schema[idx].Name, start, end)
	}
	return row[start:end], nil
}

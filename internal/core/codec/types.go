package codec

import "fmt"

// DataType enumerates the column types the row codec understands.
type DataType uint8

const (
	TypeUnknown DataType = iota
	TypeBool
	TypeSmallInt
	TypeInt
	TypeBigInt
	TypeFloat
	TypeDouble
	TypeDate
	TypeTimestamp
	TypeVarchar
	TypeString
)

var typeNames = map[DataType]string{
	TypeBool:      "bool",
	TypeSmallInt:  "smallint",
	TypeInt:       "int",
	TypeBigInt:    "bigint",
	TypeFloat:     "float",
	TypeDouble:    "double",
	TypeDate:      "date",
	TypeTimestamp: "timestamp",
	TypeVarchar:   "varchar",
	TypeString:    "string",
}

func (t DataType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ParseDataType resolves a type name from a schema document.
func ParseDataType(s string) (DataType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown data type %q", s)
}

// IsVarLen reports whether the type's payload lives in the string region.
func (t DataType) IsVarLen() bool {
	return t == TypeVarchar || t == TypeString
}

// fixedSize is the width of the column's slot in the fixed region.
// Var-len columns hold a 4-byte offset into the string region.
func (t DataType) fixedSize() int {
	switch t {
	case TypeBool:
		return 1
	case TypeSmallInt:
		return 2
	case TypeInt, TypeDate, TypeFloat:
		return 4
	case TypeBigInt, TypeTimestamp, TypeDouble:
		return 8
	case TypeVarchar, TypeString:
		return 4
	}
	return 0
}

// ColumnDesc describes one column of a table schema.
type ColumnDesc struct {
	Name    string
	Type    DataType
	NotNull bool
}

// Schema is an ordered list of column descriptors.
type Schema []ColumnDesc

// IndexOf returns the position of the named column, or -1.
func (s Schema) IndexOf(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// TableMeta is the minimal table descriptor the engine needs: a name, a
// schema, and the index definition (key columns plus a ts column).
type TableMeta struct {
	Name    string
	Tid     uint32
	Schema  Schema
	KeyCols []string
	TsCol   string
}

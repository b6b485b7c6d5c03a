package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/nautaa/OpenMLDB/internal/core/codec"
	"github.com/nautaa/OpenMLDB/internal/core/table"
)

// AggregatorParams carries everything needed to build one aggregator.
type AggregatorParams struct {
	BaseMeta   *codec.TableMeta
	AggrMeta   *codec.TableMeta
	AggrTable  table.Table
	Replicator LogReplicator
	// IndexPos selects which base-table dimension index this aggregator
	// listens to; aggregate rows are written under the same index.
	IndexPos uint32
	AggrCol  string
	AggrFunc string
	TsCol    string
	// BucketSize is either a plain row count ("1000") or a time range with
	// an s/m/h/d suffix ("2s", "3m", "1d").
	BucketSize string
	// FilterCol partitions count_where buckets; empty otherwise.
	FilterCol   string
	NotifyOnPut bool
	// FlushLimit bounds parallel bucket flushes in FlushAll; <= 0 means the
	// default of 8.
	FlushLimit int
}

// NewAggrTableMeta builds the metadata for an aggregate table.
func NewAggrTableMeta(name string, tid uint32) *codec.TableMeta {
	return &codec.TableMeta{
		Name:    name,
		Tid:     tid,
		Schema:  AggrTableSchema(),
		KeyCols: []string{"key"},
		TsCol:   "ts_start",
	}
}

var aggrFuncs = map[string]AggrType{
	"sum":         AggrSum,
	"min":         AggrMin,
	"max":         AggrMax,
	"count":       AggrCount,
	"count_where": AggrCountWhere,
	"avg":         AggrAvg,
}

// NewAggregator validates params against the base schema and builds the
// variant for the requested function. The result is uninitialized; call
// Init before Update.
func NewAggregator(p AggregatorParams) (Aggregator, error) {
	if p.BaseMeta == nil || p.AggrMeta == nil || p.AggrTable == nil {
		return nil, fmt.Errorf("base meta, aggregate meta and aggregate table are required")
	}
	aggrType, ok := aggrFuncs[strings.ToLower(strings.TrimSpace(p.AggrFunc))]
	if !ok {
		return nil, fmt.Errorf("unknown aggregate function %q", p.AggrFunc)
	}
	windowType, windowSize, err := parseBucketSize(p.BucketSize)
	if err != nil {
		return nil, err
	}
	// fail here rather than at recovery or the first late row if the table
	// has no such index
	if _, err := p.AggrTable.NewTraverseIterator(p.IndexPos); err != nil {
		return nil, fmt.Errorf("aggregate table index %d: %w", p.IndexPos, err)
	}
	flushLimit := p.FlushLimit
	if flushLimit <= 0 {
		flushLimit = 8
	}

	a := &baseAggregator{
		id:           uuid.NewString(),
		baseMeta:     p.BaseMeta,
		aggrMeta:     p.AggrMeta,
		aggrTable:    p.AggrTable,
		replicator:   p.Replicator,
		indexPos:     p.IndexPos,
		aggrType:     aggrType,
		windowType:   windowType,
		windowSize:   windowSize,
		aggrCol:      p.AggrCol,
		tsCol:        p.TsCol,
		filterCol:    p.FilterCol,
		filterColIdx: -1,
		notifyOnPut:  p.NotifyOnPut,
		flushLimit:   flushLimit,
		baseRowView:  codec.NewRowView(p.BaseMeta.Schema),
		aggrRowView:  codec.NewRowView(p.AggrMeta.Schema),
		rowBuilder:   codec.NewRowBuilder(p.AggrMeta.Schema),
		buffers:      make(map[string]*aggrBufferLocked),
	}

	a.tsColIdx = p.BaseMeta.Schema.IndexOf(p.TsCol)
	if a.tsColIdx < 0 {
		return nil, fmt.Errorf("%w: ts column %q", ErrSchemaMismatch, p.TsCol)
	}
	a.tsColType = p.BaseMeta.Schema[a.tsColIdx].Type
	if a.tsColType != codec.TypeBigInt && a.tsColType != codec.TypeTimestamp {
		return nil, fmt.Errorf("%w: ts column %q is %s, want bigint or timestamp",
			ErrUnsupportedType, p.TsCol, a.tsColType)
	}

	if p.AggrCol == "*" {
		if aggrType != AggrCount && aggrType != AggrCountWhere {
			return nil, fmt.Errorf("%w: %s over *", ErrUnsupportedType, aggrType)
		}
		a.countAll = true
	} else {
		a.aggrColIdx = p.BaseMeta.Schema.IndexOf(p.AggrCol)
		if a.aggrColIdx < 0 {
			return nil, fmt.Errorf("%w: aggregate column %q", ErrSchemaMismatch, p.AggrCol)
		}
		a.aggrColType = p.BaseMeta.Schema[a.aggrColIdx].Type
	}

	if aggrType == AggrCountWhere {
		if p.FilterCol == "" {
			return nil, fmt.Errorf("count_where requires a filter column")
		}
		a.filterColIdx = p.BaseMeta.Schema.IndexOf(p.FilterCol)
		if a.filterColIdx < 0 {
			return nil, fmt.Errorf("%w: filter column %q", ErrSchemaMismatch, p.FilterCol)
		}
		a.filterColType = p.BaseMeta.Schema[a.filterColIdx].Type
	} else if p.FilterCol != "" {
		return nil, fmt.Errorf("filter column only applies to count_where, got %s", aggrType)
	}

	switch aggrType {
	case AggrSum:
		if err := checkColType("sum", a.aggrColType,
			codec.TypeSmallInt, codec.TypeInt, codec.TypeBigInt,
			codec.TypeTimestamp, codec.TypeFloat, codec.TypeDouble); err != nil {
			return nil, err
		}
		a.handler = &sumAggregator{base: a}
	case AggrMin, AggrMax:
		if err := checkColType(aggrType.String(), a.aggrColType,
			codec.TypeSmallInt, codec.TypeInt, codec.TypeBigInt,
			codec.TypeTimestamp, codec.TypeDate, codec.TypeFloat,
			codec.TypeDouble, codec.TypeVarchar, codec.TypeString); err != nil {
			return nil, err
		}
		a.handler = &minMaxAggregator{base: a, isMin: aggrType == AggrMin}
	case AggrCount, AggrCountWhere:
		a.handler = &countAggregator{base: a}
	case AggrAvg:
		if err := checkColType("avg", a.aggrColType,
			codec.TypeSmallInt, codec.TypeInt, codec.TypeBigInt,
			codec.TypeFloat, codec.TypeDouble); err != nil {
			return nil, err
		}
		a.handler = &avgAggregator{base: a}
	}
	return a, nil
}

func checkColType(fn string, got codec.DataType, allowed ...codec.DataType) error {
	for _, t := range allowed {
		if got == t {
			return nil
		}
	}
	return fmt.Errorf("%w: %s over %s", ErrUnsupportedType, fn, got)
}

// parseBucketSize maps "1000" to a rows_num window of 1000 rows, and
// "2s"/"3m"/"100h"/"1d" to a rows_range window in milliseconds.
func parseBucketSize(s string) (WindowType, int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("bucket size is empty")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, 0, fmt.Errorf("bucket size %q must be positive", s)
		}
		return WindowRowsNum, n, nil
	}
	unit := s[len(s)-1]
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("malformed bucket size %q", s)
	}
	var ms int64
	switch unit {
	case 's':
		ms = 1000
	case 'm':
		ms = 60 * 1000
	case 'h':
		ms = 60 * 60 * 1000
	case 'd':
		ms = 24 * 60 * 60 * 1000
	default:
		return 0, 0, fmt.Errorf("malformed bucket size %q: unknown unit %q", s, string(unit))
	}
	return WindowRowsRange, n * ms, nil
}

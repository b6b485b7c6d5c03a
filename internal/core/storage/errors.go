package storage

import "errors"

// Error taxonomy of the aggregator. Callers match with errors.Is; every
// public entry point wraps these with context.
var (
	// ErrUnsupportedType marks a ts or aggregate column type outside the
	// supported matrix of the chosen aggregate function.
	ErrUnsupportedType = errors.New("unsupported data type")

	// ErrSchemaMismatch marks a named column missing from the base schema.
	ErrSchemaMismatch = errors.New("column not found in base schema")

	// ErrState marks an Update against an aggregator that is not ready.
	ErrState = errors.New("aggregator not initialized")

	// ErrOffsetRegression marks a binlog offset going backwards outside of
	// recovery, which points at a bug in the base writer.
	ErrOffsetRegression = errors.New("binlog offset regression")

	// ErrCorruptedBucket marks an out-of-order row whose timestamp does not
	// fall inside the persisted bucket the seek found.
	ErrCorruptedBucket = errors.New("timestamp outside persisted bucket range")

	// ErrRecoveryInconsistency marks a base log that ends before the offsets
	// already persisted in the aggregate table.
	ErrRecoveryInconsistency = errors.New("base log behind persisted aggregates")
)

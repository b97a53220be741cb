package catalog

import "errors"

// Sentinel errors returned by Store's guard checks. DBExists and TBExists are not
// represented here: CreateDatabase and CreateTable warn and return success when the thing
// already exists rather than failing, matching the "create is idempotent" propagation rule.
var (
	ErrDBNotExists  = errors.New("catalog: database does not exist")
	ErrDBNotSelect  = errors.New("catalog: no database selected")
	ErrTableNotExists = errors.New("catalog: table does not exist")
	ErrTypeMismatch = errors.New("catalog: row type does not match table's established schema")
)

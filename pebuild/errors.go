package pebuild

import "errors"

// Each pipeline stage fails with its own sentinel so callers can tell a
// planning problem from a dangling reference without parsing messages.
// Wrapped errors carry the offending section, symbol or site.
var (
	ErrLayout             = errors.New("section layout constraint violated")
	ErrUnresolvedImport   = errors.New("imported symbol has no module entry")
	ErrUnresolvedSymbol   = errors.New("symbol has no known address")
	ErrDuplicateExport    = errors.New("duplicate export name")
	ErrDuplicateSymbol    = errors.New("symbol defined more than once")
	ErrRelocationOverflow = errors.New("relocation exceeds field width")
	ErrWrite              = errors.New("failed to write image")
	ErrVerify             = errors.New("image failed verification")
)

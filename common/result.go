package common

import "fmt"

// OperationResult describes the outcome of one build stage with enough
// detail for the final summary
type OperationResult struct {
	Stage   string
	Applied bool
	Message string
	Count   int // items produced (sections placed, symbols bound, sites patched...)
}

// NewSkipped creates a result for stages with nothing to do
func NewSkipped(stage, reason string) *OperationResult {
	return &OperationResult{
		Stage:   stage,
		Applied: false,
		Message: reason,
	}
}

// NewApplied creates a result for completed stages
func NewApplied(stage, message string, count int) *OperationResult {
	return &OperationResult{
		Stage:   stage,
		Applied: true,
		Message: message,
		Count:   count,
	}
}

// String returns a human-readable representation
func (r *OperationResult) String() string {
	if r.Applied {
		if r.Count > 0 {
			return fmt.Sprintf("%s: APPLIED (%s, %d items)", r.Stage, r.Message, r.Count)
		}
		return fmt.Sprintf("%s: APPLIED (%s)", r.Stage, r.Message)
	}
	return fmt.Sprintf("%s: SKIPPED (%s)", r.Stage, r.Message)
}

package discover

import "fmt"

// ScanError wraps a failure to read the process table
type ScanError struct {
	Op  string // "list"
	PID int
	Err error
}

// Error implements error interface
func (e *ScanError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("process table %s failed for PID %d: %v", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("process table %s failed: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping
func (e *ScanError) Unwrap() error {
	return e.Err
}

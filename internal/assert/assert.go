// Package assert reports fatal precondition and invariant violations.
//
// The mesh store is pre-sized and its failures reflect programming or
// configuration errors in the caller, so they terminate the current
// goroutine with a diagnostic instead of being returned as values.
package assert

import "fmt"

// Violation is the panic value raised by That and Failf.
type Violation struct {
	Msg string
}

func (v *Violation) Error() string { return "dynmesh: " + v.Msg }

// That panics with a Violation when cond is false.
func That(cond bool, format string, args ...any) {
	if !cond {
		Failf(format, args...)
	}
}

// Failf panics with a formatted Violation.
func Failf(format string, args ...any) {
	panic(&Violation{Msg: fmt.Sprintf(format, args...)})
}

package app

import "strings"

// Invocation tracks the CLI command being run. Its ID tags every log line the
// command writes, and its status is logged when the app closes.
type Invocation struct {
	ID      string
	Command string
	Args    string
	Status  string // "success" or "error"
}

// NewInvocation creates an invocation in the success state.
func NewInvocation(id, command string, args ...string) *Invocation {
	return &Invocation{
		ID:      id,
		Command: command,
		Args:    strings.Join(args, " "),
		Status:  "success",
	}
}

// Record marks the invocation failed when err is non-nil and returns err.
func (inv *Invocation) Record(err error) error {
	if err != nil {
		inv.Status = "error"
	}
	return err
}

// Failed reports whether any recorded error was non-nil.
func (inv *Invocation) Failed() bool {
	return inv.Status == "error"
}

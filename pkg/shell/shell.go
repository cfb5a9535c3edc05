// Package shell implements shells, which turn requests into processes, and
// the asynchronous wrapper that runs processes on a worker pool.
package shell

import (
	"context"
	"errors"
	"fmt"

	"src.rsh.sh/pkg/command"
)

// ErrShellClosed is returned when creating a process on a closed shell.
var ErrShellClosed = errors.New("shell is closed")

// Shell creates processes for requests.
type Shell interface {
	// Welcome returns the text shown when a session starts.
	Welcome() string
	// Prompt returns the prompt.
	Prompt() string
	// Complete returns the completion candidates for a prefix.
	Complete(prefix string) []string
	// CreateProcess creates a process for a request. It doesn't start it.
	CreateProcess(request string) (Process, error)
	// Close releases the resources of the shell.
	Close()
}

// Process is the execution of one request.
type Process interface {
	// Execute runs the process. It reports exactly one Response with
	// pc.End, after which it must not use pc.
	Execute(ctx context.Context, pc ProcessContext)
	// Cancel asks the process to stop.
	Cancel()
}

// ProcessContext is the terminal side of a running process.
type ProcessContext interface {
	command.IO
	// Write writes text to the terminal. It is buffered until Flush is
	// called.
	Write(text string) error
	Flush() error
	// End reports the response of the process.
	End(resp Response)
}

// Kind is the kind of a Response.
type Kind int

// Kinds of responses.
const (
	// OK means the request was executed successfully.
	OK Kind = iota
	// Error means the request could not be parsed, its commands could not be
	// created, or its execution failed.
	Error
	// Cancelled means the process was cancelled. It produces no output.
	Cancelled
	// Close means the session should be closed.
	Close
	// NoCommand means the request was blank.
	NoCommand
)

var kindNames = [...]string{"ok", "error", "cancelled", "close", "no-command"}

func (k Kind) String() string {
	if 0 <= k && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Response is the outcome of a process.
type Response struct {
	Kind Kind
	// Text is shown on the terminal when the process ends. It is empty for
	// successful processes, whose output is written while they run.
	Text string
	Err  error
}

// Respond returns a response of a kind without text.
func Respond(k Kind) Response { return Response{Kind: k} }

// Failed returns an error response. The text shows the error, with the
// culprit highlighted when the error supports it.
func Failed(err error) Response {
	text := err.Error()
	var shower interface{ Show() string }
	if errors.As(err, &shower) {
		text = shower.Show()
	}
	return Response{Kind: Error, Text: text, Err: err}
}

// Package term defines terminal events and the transports that carry them.
package term

// Event is an input event from a terminal.
type Event interface{ isEvent() }

// LineEvent is a submitted line of input, without the line terminator.
type LineEvent struct{ Line string }

// KeyEvent is a key typed while a process is running.
type KeyEvent struct{ Key rune }

// InterruptEvent is a request to interrupt the running process.
type InterruptEvent struct{}

// CloseEvent means the terminal is gone.
type CloseEvent struct{}

// CompleteEvent is a request for completion candidates.
type CompleteEvent struct{ Prefix string }

func (LineEvent) isEvent()      {}
func (KeyEvent) isEvent()       {}
func (InterruptEvent) isEvent() {}
func (CloseEvent) isEvent()     {}
func (CompleteEvent) isEvent()  {}

// Transport connects a session to a terminal.
type Transport interface {
	// Write buffers text to be shown.
	Write(text string) error
	// Flush shows the buffered text.
	Flush() error
	Width() int
	Height() int
	// SetEcho turns the echo of typed characters on or off.
	SetEcho(on bool) error
	TakeAlternateBuffer() error
	ReleaseAlternateBuffer() error
	// ReadStep blocks until some input is available, and returns the events
	// it produced. An error means no further input will arrive.
	ReadStep() ([]Event, error)
	// Close releases the transport.
	Close() error
}

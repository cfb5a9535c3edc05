package diag

import "fmt"

// Error represents an error with context that can be shown.
type Error struct {
	Type    string
	Message string
	Context Context
}

// Error returns a plain text representation of the error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %d-%d in %s: %s",
		e.Type, e.Context.From, e.Context.To, e.Context.Name, e.Message)
}

// Range returns the range of the error.
func (e *Error) Range() Ranging {
	return e.Context.Range()
}

// Show shows the error with the relevant part of the source highlighted.
func (e *Error) Show() string {
	return fmt.Sprintf("%s: \033[31;1m%s\033[m\n  %s", e.Type, e.Message, e.Context.Show())
}

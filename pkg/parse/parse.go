// Package parse implements the parser of requests.
//
// The syntax is:
//
//	pipeline = form { '|' form }
//	form     = head { option | word } [ block ] | block
//	head     = bareword                         (dots select sub-commands)
//	option   = '--' name [ '=' word ] | '-' letters
//	word     = { bare | 'single-quoted' | "double-quoted" }
//	block    = '{' code '}'
//
// The first form of a pipeline must have a head. Blocks contain JavaScript
// code; the parser only finds where they end, skipping braces inside string
// literals and comments.
package parse

import (
	"fmt"
	"strings"

	"src.rsh.sh/pkg/diag"
)

// Chunk is a parsed request.
type Chunk struct {
	Source string
	// Forms is empty for a blank request.
	Forms []*Form
}

// Form is one stage of a pipeline.
type Form struct {
	diag.Ranging
	// Head is nil for a form that consists of only a block.
	Head    *Head
	Options []*Option
	Args    []*Word
	Block   *Block
}

// Head is the command name of a form.
type Head struct {
	diag.Ranging
	// Path is the name split on dots; Path[0] is the command and the rest
	// select sub-commands.
	Path []string
}

// Name returns the command name.
func (h *Head) Name() string { return h.Path[0] }

func (h *Head) String() string { return strings.Join(h.Path, ".") }

// Option is a named option. Value is nil for a flag.
type Option struct {
	diag.Ranging
	Name  string
	Value *Word
}

// Word is a possibly quoted word. Value has quotes removed and escape
// sequences resolved.
type Word struct {
	diag.Ranging
	Value  string
	Quoted bool
}

// Block is a block of code between braces.
type Block struct {
	diag.Ranging
	// Code is the text between the braces.
	Code string
}

// Error is returned when a request cannot be parsed. It contains one entry
// for each problem found.
type Error struct {
	Entries []*diag.Error
}

func (e *Error) Error() string {
	if len(e.Entries) == 1 {
		return e.Entries[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "multiple parse errors in %s: ", e.Entries[0].Context.Name)
	for i, entry := range e.Entries {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%d-%d: %s", entry.Context.From, entry.Context.To, entry.Message)
	}
	return sb.String()
}

// Show shows all the entries with the culprits highlighted.
func (e *Error) Show() string {
	shown := make([]string, len(e.Entries))
	for i, entry := range e.Entries {
		shown[i] = entry.Show()
	}
	return strings.Join(shown, "\n")
}

// Parse parses a request. The name is used in error messages. The returned
// error, if non-nil, is always an *Error.
func Parse(name, src string) (*Chunk, error) {
	ps := &parser{srcName: name, src: src}
	chunk := ps.chunk()
	if len(ps.errors) > 0 {
		return nil, &Error{ps.errors}
	}
	return chunk, nil
}

package diag

import (
	"fmt"
	"strings"
)

// Context is a range of text in a request. It is used for errors that can be
// associated with a part of the request, like parse errors.
type Context struct {
	Name   string
	Source string
	Ranging
}

// NewContext creates a new Context.
func NewContext(name, source string, r Ranger) *Context {
	return &Context{name, source, r.Range()}
}

// Variables controlling the style of the culprit.
var (
	culpritBegin       = "\033[1;4m"
	culpritEnd         = "\033[m"
	culpritPlaceHolder = "^"
)

// Show shows the context on one line: the name and column range, followed by
// the line containing the culprit with the culprit highlighted.
func (c *Context) Show() string {
	if err := c.checkPosition(); err != nil {
		return err.Error()
	}
	head := c.Source[strings.LastIndexByte(c.Source[:c.From], '\n')+1 : c.From]
	culprit := c.Source[c.From:c.To]
	tail := c.Source[c.To:]
	if i := strings.IndexByte(culprit, '\n'); i != -1 {
		culprit, tail = culprit[:i], ""
	} else if i := strings.IndexByte(tail, '\n'); i != -1 {
		tail = tail[:i]
	}
	if culprit == "" {
		culprit = culpritPlaceHolder
	}
	line := strings.Count(c.Source[:c.From], "\n") + 1
	return fmt.Sprintf("%s, line %d: %s%s%s%s%s", c.Name, line,
		head, culpritBegin, culprit, culpritEnd, tail)
}

func (c *Context) checkPosition() error {
	if c.From < 0 || c.To > len(c.Source) || c.From > c.To {
		return fmt.Errorf("%s, invalid position %d-%d", c.Name, c.From, c.To)
	}
	return nil
}

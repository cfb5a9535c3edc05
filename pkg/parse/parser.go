package parse

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"src.rsh.sh/pkg/diag"
)

// parser maintains the mutable state of parsing.
type parser struct {
	srcName string
	src     string
	pos     int
	overEOF int
	errors  []*diag.Error
}

const eof rune = -1

var (
	errShouldBeForm         = errors.New("should be a command or a block")
	errShouldBeHead         = errors.New("first form of a pipeline should start with a command")
	errEmptyNameComponent   = errors.New("empty component in command name")
	errUnterminatedSingle   = errors.New("unterminated single-quoted string")
	errUnterminatedDouble   = errors.New("unterminated double-quoted string")
	errUnterminatedBlock    = errors.New("unterminated block")
	errShouldBeOptionName   = errors.New("should be an option name")
	errShouldBeOptionValue  = errors.New("should be an option value")
	errBlockShouldEndForm   = errors.New("block should end the form")
	errUnexpectedCloseBrace = errors.New("unexpected '}'")
)

func (ps *parser) chunk() *Chunk {
	c := &Chunk{Source: ps.src}
	ps.skipSpace()
	if ps.peek() == eof {
		return c
	}
	for {
		f := ps.form(len(c.Forms) == 0)
		if f == nil {
			return c
		}
		c.Forms = append(c.Forms, f)
		ps.skipSpace()
		switch ps.peek() {
		case eof:
			return c
		case '|':
			ps.next()
			ps.skipSpace()
		default:
			ps.error(errBlockShouldEndForm)
			return c
		}
	}
}

func (ps *parser) form(first bool) *Form {
	f := &Form{}
	f.From = ps.pos
	defer func() { f.To = ps.pos }()

	switch r := ps.peek(); {
	case r == '{':
		if first {
			ps.error(errShouldBeHead)
			return nil
		}
		f.Block = ps.block()
		return f
	case isBare(r):
		f.Head = ps.head()
	default:
		ps.error(errShouldBeForm)
		return nil
	}

	for {
		ps.skipSpace()
		switch r := ps.peek(); {
		case r == eof || r == '|':
			return f
		case r == '{':
			f.Block = ps.block()
			return f
		case r == '}':
			ps.error(errUnexpectedCloseBrace)
			return nil
		case r == '-' && ps.hasPrefix("--"):
			f.Options = append(f.Options, ps.longOption())
		case r == '-' && ps.isShortOption():
			f.Options = append(f.Options, ps.shortOptions()...)
		default:
			f.Args = append(f.Args, ps.word())
		}
		if len(ps.errors) > 0 {
			return nil
		}
	}
}

func (ps *parser) head() *Head {
	h := &Head{}
	h.From = ps.pos
	for r := ps.peek(); isBare(r) || r == '-'; r = ps.peek() {
		ps.next()
	}
	h.To = ps.pos
	h.Path = strings.Split(ps.src[h.From:h.To], ".")
	for _, p := range h.Path {
		if p == "" {
			ps.errorp(h.Ranging, errEmptyNameComponent)
			break
		}
	}
	return h
}

func (ps *parser) longOption() *Option {
	opt := &Option{}
	opt.From = ps.pos
	ps.pos += len("--")
	begin := ps.pos
	for isOptionName(ps.peek()) {
		ps.next()
	}
	opt.Name = ps.src[begin:ps.pos]
	if opt.Name == "" {
		ps.error(errShouldBeOptionName)
	} else if ps.peek() == '=' {
		ps.next()
		if r := ps.peek(); !isWordStart(r) {
			ps.error(errShouldBeOptionValue)
		} else {
			opt.Value = ps.word()
		}
	}
	opt.To = ps.pos
	return opt
}

// Reports whether the parser is at "-" followed by a letter.
func (ps *parser) isShortOption() bool {
	r, _ := utf8.DecodeRuneInString(ps.src[ps.pos+1:])
	return unicode.IsLetter(r)
}

// Parses "-abc" into the flags a, b and c.
func (ps *parser) shortOptions() []*Option {
	ps.next()
	var opts []*Option
	for {
		begin := ps.pos
		r := ps.peek()
		if !unicode.IsLetter(r) {
			break
		}
		ps.next()
		opt := &Option{Name: string(r)}
		opt.Ranging = diag.Ranging{From: begin, To: ps.pos}
		opts = append(opts, opt)
	}
	if r := ps.peek(); r != eof && !isSpace(r) && r != '|' && r != '{' {
		ps.error(fmt.Errorf("unexpected rune %q in flags", r))
	}
	return opts
}

func (ps *parser) word() *Word {
	w := &Word{}
	w.From = ps.pos
	var sb strings.Builder
	for {
		switch r := ps.peek(); {
		case r == '\'':
			w.Quoted = true
			ps.singleQuoted(&sb)
		case r == '"':
			w.Quoted = true
			ps.doubleQuoted(&sb)
		case isBare(r) || r == '-' || r == '=':
			ps.next()
			sb.WriteRune(r)
		default:
			w.To = ps.pos
			w.Value = sb.String()
			return w
		}
	}
}

func (ps *parser) singleQuoted(sb *strings.Builder) {
	begin := ps.pos
	ps.next()
	for {
		switch r := ps.next(); r {
		case eof:
			ps.errorp(diag.Ranging{From: begin, To: ps.pos}, errUnterminatedSingle)
			return
		case '\'':
			return
		default:
			sb.WriteRune(r)
		}
	}
}

func (ps *parser) doubleQuoted(sb *strings.Builder) {
	begin := ps.pos
	ps.next()
	for {
		switch r := ps.next(); r {
		case eof:
			ps.errorp(diag.Ranging{From: begin, To: ps.pos}, errUnterminatedDouble)
			return
		case '"':
			return
		case '\\':
			switch e := ps.next(); e {
			case eof:
				ps.errorp(diag.Ranging{From: begin, To: ps.pos}, errUnterminatedDouble)
				return
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteRune(e)
			}
		default:
			sb.WriteRune(r)
		}
	}
}

// Parses a block, finding the matching close brace. Braces inside JavaScript
// string literals, template literals and comments are not counted.
func (ps *parser) block() *Block {
	b := &Block{}
	b.From = ps.pos
	ps.next()
	depth := 1
	for depth > 0 {
		switch r := ps.next(); r {
		case eof:
			ps.errorp(diag.Ranging{From: b.From, To: ps.pos}, errUnterminatedBlock)
			b.To = ps.pos
			return b
		case '{':
			depth++
		case '}':
			depth--
		case '\'', '"', '`':
			ps.skipJSString(r)
		case '/':
			if ps.peek() == '/' {
				for r := ps.next(); r != '\n' && r != eof; r = ps.next() {
				}
			} else if ps.peek() == '*' {
				ps.next()
				if i := strings.Index(ps.src[ps.pos:], "*/"); i >= 0 {
					ps.pos += i + len("*/")
				} else {
					ps.pos = len(ps.src)
				}
			}
		}
	}
	b.To = ps.pos
	b.Code = ps.src[b.From+1 : b.To-1]
	return b
}

func (ps *parser) skipJSString(quote rune) {
	for {
		switch r := ps.next(); r {
		case eof, quote:
			return
		case '\\':
			ps.next()
		}
	}
}

func (ps *parser) skipSpace() {
	for isSpace(ps.peek()) {
		ps.next()
	}
}

func (ps *parser) peek() rune {
	if ps.pos == len(ps.src) {
		return eof
	}
	r, _ := utf8.DecodeRuneInString(ps.src[ps.pos:])
	return r
}

func (ps *parser) hasPrefix(prefix string) bool {
	return strings.HasPrefix(ps.src[ps.pos:], prefix)
}

func (ps *parser) next() rune {
	if ps.pos == len(ps.src) {
		ps.overEOF++
		return eof
	}
	r, s := utf8.DecodeRuneInString(ps.src[ps.pos:])
	ps.pos += s
	return r
}

func (ps *parser) errorp(r diag.Ranger, e error) {
	ps.errors = append(ps.errors, &diag.Error{
		Type:    "parse error",
		Message: e.Error(),
		Context: *diag.NewContext(ps.srcName, ps.src, r),
	})
}

func (ps *parser) error(e error) {
	end := ps.pos
	if end < len(ps.src) {
		_, s := utf8.DecodeRuneInString(ps.src[ps.pos:])
		end += s
	}
	ps.errorp(diag.Ranging{From: ps.pos, To: end}, e)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// Reports whether r can appear in an unquoted word. A word can't start with
// '-' or '=' but can contain them.
func isBare(r rune) bool {
	if r == eof || isSpace(r) {
		return false
	}
	switch r {
	case '|', '{', '}', '\'', '"', '-', '=':
		return false
	}
	return true
}

func isWordStart(r rune) bool {
	return isBare(r) || r == '\'' || r == '"' || r == '-'
}

func isOptionName(r rune) bool {
	return r == '-' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

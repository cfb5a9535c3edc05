package term

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	"src.rsh.sh/pkg/logutil"
	"src.rsh.sh/pkg/sys"
)

var logger = logutil.GetLogger("[term] ")

const (
	enterAltBuffer = "\033[?1049h"
	leaveAltBuffer = "\033[?1049l"
)

// Local is a Transport over local files, usually the standard input and
// output of the program. The terminal stays in canonical mode, so lines are
// edited by the line discipline; an interrupt signal produces an
// InterruptEvent.
type Local struct {
	in, out  *os.File
	inTTY    bool
	outTTY   bool
	lines    chan string
	sigs     <-chan os.Signal
	stopSigs func()

	mu sync.Mutex
	w  *bufio.Writer
}

// NewLocal creates a Local transport and starts reading lines from in.
func NewLocal(in, out *os.File) *Local {
	sigs, stop := sys.NotifyInterrupt()
	l := &Local{
		in: in, out: out,
		inTTY: sys.IsATTY(in.Fd()), outTTY: sys.IsATTY(out.Fd()),
		lines: make(chan string, 16), sigs: sigs, stopSigs: stop,
		w: bufio.NewWriter(out)}
	go l.readLines(in)
	return l
}

func (l *Local) readLines(r io.Reader) {
	defer close(l.lines)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			l.lines <- strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		}
		if err != nil {
			if err != io.EOF {
				logger.Warnw("cannot read input", "err", err)
			}
			return
		}
	}
}

// ReadStep waits for a line or an interrupt. End of input produces a
// CloseEvent.
func (l *Local) ReadStep() ([]Event, error) {
	select {
	case line, ok := <-l.lines:
		if !ok {
			return []Event{CloseEvent{}}, nil
		}
		return []Event{LineEvent{line}}, nil
	case <-l.sigs:
		return []Event{InterruptEvent{}}, nil
	}
}

func (l *Local) Write(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.WriteString(text)
	return err
}

func (l *Local) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Flush()
}

// Width returns the width of the output terminal, or 80 if it is not a
// terminal.
func (l *Local) Width() int {
	if _, col := sys.WinSize(l.out); col > 0 {
		return col
	}
	return 80
}

// Height returns the height of the output terminal, or 24 if it is not a
// terminal.
func (l *Local) Height() int {
	if row, _ := sys.WinSize(l.out); row > 0 {
		return row
	}
	return 24
}

// SetEcho turns echo on or off if the input is a terminal.
func (l *Local) SetEcho(on bool) error {
	if !l.inTTY {
		return nil
	}
	return sys.SetEcho(int(l.in.Fd()), on)
}

func (l *Local) TakeAlternateBuffer() error {
	if !l.outTTY {
		return nil
	}
	return l.Write(enterAltBuffer)
}

func (l *Local) ReleaseAlternateBuffer() error {
	if !l.outTTY {
		return nil
	}
	return l.Write(leaveAltBuffer)
}

// Close stops the delivery of interrupt signals, restores echo and flushes
// pending output. It doesn't close the files.
func (l *Local) Close() error {
	l.stopSigs()
	if err := l.SetEcho(true); err != nil {
		logger.Warnw("cannot restore echo", "err", err)
	}
	return l.Flush()
}

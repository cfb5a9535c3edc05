package remote

import (
	"strings"
	"sync"
)

// The output side of a transport sending Message frames. Written text is
// buffered and sent as one output frame on Flush.
type frames struct {
	send func(Message) error
	size termSize

	mu  sync.Mutex
	buf strings.Builder
}

func (f *frames) Write(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.WriteString(text)
	return nil
}

func (f *frames) Flush() error {
	f.mu.Lock()
	text := f.buf.String()
	f.buf.Reset()
	f.mu.Unlock()
	if text == "" {
		return nil
	}
	return f.send(Message{Type: TypeOutput, Text: text})
}

func (f *frames) Width() int {
	w, _ := f.size.get()
	return w
}

func (f *frames) Height() int {
	_, h := f.size.get()
	return h
}

// SetEcho asks the terminal to turn local echo on or off.
func (f *frames) SetEcho(on bool) error {
	return f.send(Message{Type: TypeEcho, On: on})
}

func (f *frames) TakeAlternateBuffer() error {
	return f.send(Message{Type: TypeAltBuffer, On: true})
}

func (f *frames) ReleaseAlternateBuffer() error {
	return f.send(Message{Type: TypeAltBuffer, On: false})
}

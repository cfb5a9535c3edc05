// Package resource loads the sources of commands and lifecycle scripts.
//
// A resource is a named blob of content together with a stamp. The stamp
// changes whenever the content may have changed; consumers compare stamps to
// decide whether something derived from the content needs to be rebuilt.
package resource

import (
	"errors"
	"fmt"
	"sort"
)

// Kind classifies resources. Each kind lives in its own namespace.
type Kind int

// Possible values of Kind.
const (
	// Command resources are named after the command with an extension that
	// selects the language, like "ls.js".
	Command Kind = iota
	// Lifecycle resources are scripts run at session boundaries, like
	// "login.js" and "logout.js".
	Lifecycle
)

var kindNames = [...]string{Command: "commands", Lifecycle: "lifecycle"}

// Kinds lists all kinds.
var Kinds = []Kind{Command, Lifecycle}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("!(bad kind %d)", int(k))
	}
	return kindNames[k]
}

// Resource is a loaded resource.
type Resource struct {
	Name    string
	Content []byte
	Stamp   int64
}

// ErrNotFound is returned by Provider.Load when the resource doesn't exist.
var ErrNotFound = errors.New("resource not found")

// Provider gives access to resources.
type Provider interface {
	// Load loads the first resource with the given name. It returns an error
	// wrapping ErrNotFound if there is none.
	Load(name string, kind Kind) (*Resource, error)
	// LoadAll loads all resources with the given name, in priority order. It
	// returns an empty slice if there is none.
	LoadAll(name string, kind Kind) ([]*Resource, error)
	// List returns the names of all resources of the given kind.
	List(kind Kind) ([]string, error)
}

// Chain returns a Provider that consults each of the given providers in
// order.
func Chain(ps ...Provider) Provider { return chain(ps) }

type chain []Provider

func (c chain) Load(name string, kind Kind) (*Resource, error) {
	for _, p := range c {
		r, err := p.Load(name, kind)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, notFound(name, kind)
}

func (c chain) LoadAll(name string, kind Kind) ([]*Resource, error) {
	var all []*Resource
	for _, p := range c {
		rs, err := p.LoadAll(name, kind)
		if err != nil {
			return nil, err
		}
		all = append(all, rs...)
	}
	return all, nil
}

func (c chain) List(kind Kind) ([]string, error) {
	var all []string
	for _, p := range c {
		names, err := p.List(kind)
		if err != nil {
			return nil, err
		}
		all = append(all, names...)
	}
	return dedup(all), nil
}

func notFound(name string, kind Kind) error {
	return fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
}

func dedup(names []string) []string {
	sort.Strings(names)
	out := names[:0]
	for i, name := range names {
		if i == 0 || name != names[i-1] {
			out = append(out, name)
		}
	}
	return out
}

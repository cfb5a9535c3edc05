package command

import (
	"errors"
	"path"
	"sort"

	"src.rsh.sh/pkg/logutil"
	"src.rsh.sh/pkg/resource"
	"src.rsh.sh/pkg/stamp"
)

var logger = logutil.GetLogger("[command] ")

// ErrEmptyName is returned when resolving a command with an empty name.
var ErrEmptyName = errors.New("empty command name")

// Resolver finds commands by name. Resolutions are cached together with the
// stamp of the resource they were built from, and rebuilt when the stamp
// changes.
type Resolver struct {
	provider resource.Provider
	managers []Manager
	byExt    map[string]Manager
	cache    stamp.Cache[*Resolution]
}

// NewResolver creates a Resolver. Managers are consulted in the given order;
// when two managers claim the same extension, the first one keeps it.
func NewResolver(p resource.Provider, managers ...Manager) *Resolver {
	byExt := make(map[string]Manager)
	for _, m := range managers {
		for _, ext := range m.Extensions() {
			if _, ok := byExt[ext]; !ok {
				byExt[ext] = m
			}
		}
	}
	return &Resolver{provider: p, managers: managers, byExt: byExt}
}

// Resolve resolves a command. It returns nil and no error if there is no such
// command, and an error if a resource exists but cannot be turned into a
// command.
func (r *Resolver) Resolve(name string) (*Resolution, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	for _, m := range r.managers {
		for _, ext := range m.Extensions() {
			if r.byExt[ext] != m {
				continue
			}
			resources, err := r.provider.LoadAll(name+"."+ext, resource.Command)
			if err != nil {
				return nil, &CreationError{name, err}
			}
			for _, res := range resources {
				resolution, err := r.resolveWith(m, name, res)
				if err != nil {
					return nil, err
				}
				if resolution != nil {
					return resolution, nil
				}
			}
		}
	}
	return nil, nil
}

func (r *Resolver) resolveWith(m Manager, name string, res *resource.Resource) (*Resolution, error) {
	if cached, ok := r.cache.Lookup(name, res.Stamp); ok {
		return cached, nil
	}
	logger.Debugw("parsing command", "name", name, "resource", res.Name, "stamp", res.Stamp)
	resolution, err := m.ResolveCommand(name, res.Content)
	if err != nil {
		var ce *CreationError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &CreationError{name, err}
	}
	if resolution != nil {
		r.cache.Put(name, res.Stamp, resolution)
	} else {
		logger.Warnw("resource does not define a command", "resource", res.Name)
	}
	return resolution, nil
}

// Command resolves a command and returns it, or nil if it doesn't exist.
func (r *Resolver) Command(name string) (Command, error) {
	resolution, err := r.Resolve(name)
	if resolution == nil {
		return nil, err
	}
	return resolution.Command, nil
}

// Description resolves a command and returns its description, or "" if it
// doesn't exist.
func (r *Resolver) Description(name string) (string, error) {
	resolution, err := r.Resolve(name)
	if resolution == nil {
		return "", err
	}
	return resolution.Description, nil
}

// Names returns the sorted names of all commands whose resource extension is
// handled by some manager.
func (r *Resolver) Names() ([]string, error) {
	resourceNames, err := r.provider.List(resource.Command)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, resourceName := range resourceNames {
		ext := path.Ext(resourceName)
		if ext == "" {
			continue
		}
		if _, ok := r.byExt[ext[1:]]; ok {
			names = append(names, resourceName[:len(resourceName)-len(ext)])
		}
	}
	sort.Strings(names)
	out := names[:0]
	for i, name := range names {
		if i == 0 || name != names[i-1] {
			out = append(out, name)
		}
	}
	return out, nil
}

// Evict drops the cached resolution of a command. Evicting is never needed
// for correctness, since stale entries are detected by their stamps; it only
// frees memory early.
func (r *Resolver) Evict(name string) {
	r.cache.Evict(name)
}

// EvictResource drops the cached resolution of the command defined by the
// given resource name, such as "net/ping.js".
func (r *Resolver) EvictResource(resourceName string) {
	ext := path.Ext(resourceName)
	r.Evict(resourceName[:len(resourceName)-len(ext)])
}

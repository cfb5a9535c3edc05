package resource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"src.rsh.sh/pkg/logutil"
)

var logger = logutil.GetLogger("[resource] ")

// Dir is a Provider backed by directories. A resource of kind k named n lives
// at <root>/<k>/<n>, for example commands/net/ping.js; roots are searched in
// order. The stamp of a resource is the modification time of its file.
type Dir struct {
	Roots []string
}

// NewDir returns a Dir searching the given roots.
func NewDir(roots ...string) *Dir { return &Dir{roots} }

func (d *Dir) Load(name string, kind Kind) (*Resource, error) {
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("invalid resource name %q", name)
	}
	for _, root := range d.Roots {
		r, err := loadFile(root, name, kind)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, notFound(name, kind)
}

func (d *Dir) LoadAll(name string, kind Kind) ([]*Resource, error) {
	if !fs.ValidPath(name) {
		return nil, fmt.Errorf("invalid resource name %q", name)
	}
	rs := []*Resource{}
	for _, root := range d.Roots {
		r, err := loadFile(root, name, kind)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, nil
}

func loadFile(root, name string, kind Kind) (*Resource, error) {
	path := filepath.Join(root, kind.String(), filepath.FromSlash(name))
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fs.ErrNotExist
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Resource{name, content, info.ModTime().UnixNano()}, nil
}

// List returns the slash-separated paths of all files under the kind's
// directory in every root.
func (d *Dir) List(kind Kind) ([]string, error) {
	var names []string
	for _, root := range d.Roots {
		fsys := os.DirFS(filepath.Join(root, kind.String()))
		matches, err := doublestar.Glob(fsys, "**/*.*", doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		names = append(names, matches...)
	}
	return dedup(names), nil
}

// Watch calls f with the kind and name of every resource that is created,
// written, removed or renamed, until ctx is done. Only directories that exist
// when Watch is called are watched.
func (d *Dir) Watch(ctx context.Context, f func(Kind, string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	bases := map[string]Kind{}
	for _, root := range d.Roots {
		for _, kind := range Kinds {
			base := filepath.Join(root, kind.String())
			err := filepath.WalkDir(base, func(path string, e fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if e.IsDir() {
					return w.Add(path)
				}
				return nil
			})
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				w.Close()
				return err
			}
			bases[base] = kind
		}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				kind, name, ok := locate(bases, event.Name)
				if !ok {
					continue
				}
				logger.Debugw("resource changed", "kind", kind, "name", name, "op", event.Op.String())
				f(kind, name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warnw("watch error", "error", err)
			}
		}
	}()
	return nil
}

func locate(bases map[string]Kind, path string) (Kind, string, bool) {
	for base, kind := range bases {
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return kind, filepath.ToSlash(rel), true
	}
	return 0, "", false
}

// Package testutil contains common test utilities.
package testutil

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"src.rsh.sh/pkg/env"
)

// Cleanuper wraps the Cleanup method. It is a subset of [testing.TB], thus
// satisfied by [*testing.T] and [*testing.B].
type Cleanuper interface {
	Cleanup(func())
}

// TempDirer is a subset of [testing.TB] that can create temporary directories.
type TempDirer interface {
	Cleanuper
	TempDir() string
}

// Scaled returns d scaled by $RSH_TEST_TIME_SCALE. If the environment variable
// does not exist or contains an invalid value, the scale defaults to 1.
func Scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * getTestTimeScale())
}

func getTestTimeScale() float64 {
	s := os.Getenv(env.RSH_TEST_TIME_SCALE)
	if s == "" {
		return 1
	}
	scale, err := strconv.ParseFloat(s, 64)
	if err != nil || scale <= 0 {
		return 1
	}
	return scale
}

// Set sets *p to v for the duration of a test.
func Set[T any](c Cleanuper, p *T, v T) {
	old := *p
	*p = v
	c.Cleanup(func() { *p = old })
}

// Setenv sets the value of an environment variable for the duration of a test.
// It returns value.
func Setenv(c Cleanuper, name, value string) string {
	SaveEnv(c, name)
	os.Setenv(name, value)
	return value
}

// SaveEnv saves the current value of an environment variable so that it will be
// restored after a test has finished.
func SaveEnv(c Cleanuper, name string) {
	oldValue, existed := os.LookupEnv(name)
	if existed {
		c.Cleanup(func() { os.Setenv(name, oldValue) })
	} else {
		c.Cleanup(func() { os.Unsetenv(name) })
	}
}

// Dir describes the layout of a directory. The keys are file names and the
// values are either a string for the content of a regular file, or a nested
// Dir.
type Dir map[string]any

// TempDirWith creates a temporary directory populated with the given layout
// and returns its path. The directory is removed when the test finishes.
func TempDirWith(t TempDirer, layout Dir) string {
	dir := t.TempDir()
	ApplyDir(dir, layout)
	return dir
}

// ApplyDir creates the given layout under root, panicking on errors.
func ApplyDir(root string, layout Dir) {
	for name, file := range layout {
		path := filepath.Join(root, name)
		switch file := file.(type) {
		case string:
			MustWriteFile(path, file)
		case Dir:
			Must(os.MkdirAll(path, 0700))
			ApplyDir(path, file)
		default:
			panic("file is neither string nor Dir")
		}
	}
}

// Must panics if the error value is not nil.
func Must(err error) {
	if err != nil {
		panic(err)
	}
}

// MustWriteFile writes data to a file, after creating all ancestor directories
// that don't exist. It panics on errors.
func MustWriteFile(filename, data string) {
	Must(os.MkdirAll(filepath.Dir(filename), 0700))
	Must(os.WriteFile(filename, []byte(data), 0600))
}

// MustReadFile reads the whole file as a string, panicking on errors.
func MustReadFile(filename string) string {
	b, err := os.ReadFile(filename)
	Must(err)
	return string(b)
}

// MustPipe wraps os.Pipe, panicking on errors.
func MustPipe() (*os.File, *os.File) {
	r, w, err := os.Pipe()
	Must(err)
	return r, w
}

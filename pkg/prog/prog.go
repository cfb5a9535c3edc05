// Package prog provides the entry point to rsh. Its subpackages and the
// packages implementing subprograms plug into it through the Program
// interface.
package prog

// This package parses flags, loads the configuration, sets up logging and
// calls the appropriate "subprogram", one of the build information printer,
// the language server, the remote server or the interactive session.

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"src.rsh.sh/pkg/config"
	"src.rsh.sh/pkg/logutil"
)

// Flags keeps command-line flags.
type Flags struct {
	ConfigFile string
	Log        string
	LogLevel   string

	Help, Version, BuildInfo, JSON bool

	LSP, Serve bool

	Commands stringList
	Watch    bool
	DB       string
	Workers  int64
	Listen   string
	Sock     string

	// Config is the configuration loaded from ConfigFile and the
	// environment, with the flags above that were set applied.
	Config config.Config
}

// A repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

func newFlagSet(f *Flags) *flag.FlagSet {
	fs := flag.NewFlagSet("rsh", flag.ContinueOnError)
	// Error and usage will be printed explicitly.
	fs.SetOutput(io.Discard)

	fs.StringVar(&f.ConfigFile, "config", "", "a YAML or TOML configuration file")
	fs.StringVar(&f.Log, "log", "", "a file to write debug log to")
	fs.StringVar(&f.LogLevel, "log-level", "", "minimal level of log messages: debug, info, warn or error")

	fs.BoolVar(&f.Help, "help", false, "show usage help and quit")
	fs.BoolVar(&f.Version, "version", false, "show version and quit")
	fs.BoolVar(&f.BuildInfo, "buildinfo", false, "show build info and quit")
	fs.BoolVar(&f.JSON, "json", false, "show output in JSON. Useful with -buildinfo")

	fs.BoolVar(&f.LSP, "lsp", false, "run language server instead of shell")
	fs.BoolVar(&f.Serve, "serve", false, "serve sessions to remote terminals instead of shell")

	fs.Var(&f.Commands, "commands", "a directory to load commands from; may be repeated")
	fs.BoolVar(&f.Watch, "watch", false, "reload commands when their files change")
	fs.StringVar(&f.DB, "db", "", "path to a database of additional commands")
	fs.Int64Var(&f.Workers, "workers", 0, "maximum number of processes running at the same time; 0 means no limit")
	fs.StringVar(&f.Listen, "listen", "", "address of the HTTP server, with -serve")
	fs.StringVar(&f.Sock, "sock", "", "path of the JSON-RPC socket, with -serve")

	return fs
}

// Overlays the flags that were set on the command line onto f.Config.
func applyFlags(fs *flag.FlagSet, f *Flags) {
	cfg := &f.Config
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "log":
			cfg.Log = f.Log
		case "log-level":
			cfg.LogLevel = f.LogLevel
		case "commands":
			cfg.Commands = f.Commands
		case "watch":
			cfg.Watch = f.Watch
		case "db":
			cfg.DB = f.DB
		case "workers":
			cfg.Workers = f.Workers
		case "listen":
			cfg.Server.Listen = f.Listen
		case "sock":
			cfg.Server.Sock = f.Sock
		}
	})
}

func usage(out io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(out, "Usage: rsh [flags]")
	fmt.Fprintln(out, "Supported flags:")
	fs.SetOutput(out)
	fs.PrintDefaults()
}

// Run parses command-line flags and runs the first applicable subprogram. It
// returns the exit status of the program.
func Run(fds [3]*os.File, args []string, p Program) int {
	f := &Flags{}
	fs := newFlagSet(f)
	err := fs.Parse(args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			// (*flag.FlagSet).Parse returns ErrHelp when -h or -help was
			// requested but *not* defined. rsh defines -help, but not -h; so
			// this means that -h has been requested. Handle this by printing
			// the same message as an undefined flag.
			fmt.Fprintln(fds[2], "flag provided but not defined: -h")
		} else {
			fmt.Fprintln(fds[2], err)
		}
		usage(fds[2], fs)
		return 2
	}

	if f.Help {
		usage(fds[1], fs)
		return 0
	}

	f.Config, err = config.Load(f.ConfigFile)
	if err != nil {
		fmt.Fprintln(fds[2], err)
		return 2
	}
	applyFlags(fs, f)

	// Handle the ambient settings common to all subprograms.
	if err := logutil.SetOutputFile(f.Config.Log); err != nil {
		fmt.Fprintln(fds[2], err)
	}
	if lvl := f.Config.LogLevel; lvl != "" {
		if err := logutil.SetLevel(lvl); err != nil {
			fmt.Fprintln(fds[2], "Warning: bad log level:", err)
		}
	}

	err = p.Run(fds, f, fs.Args())
	if err == nil {
		return 0
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(fds[2], msg)
	}
	var (
		badUsage badUsageError
		exit     exitError
	)
	switch {
	case errors.As(err, &badUsage):
		usage(fds[2], fs)
	case errors.As(err, &exit):
		return exit.exit
	}
	return 2
}

// Composite returns a Program that tries each of the given programs,
// terminating at the first one that doesn't return ErrNotSuitable.
func Composite(programs ...Program) Program {
	return compositeProgram(programs)
}

type compositeProgram []Program

func (cp compositeProgram) Run(fds [3]*os.File, f *Flags, args []string) error {
	for _, p := range cp {
		err := p.Run(fds, f, args)
		if err != ErrNotSuitable {
			return err
		}
	}
	// If we have reached here, all subprograms have returned ErrNotSuitable
	return ErrNotSuitable
}

// ErrNotSuitable is a special error that may be returned by Program.Run, to
// signify that this Program should not be run. It is useful when a Program is
// used in Composite.
var ErrNotSuitable = errors.New("internal error: no suitable subprogram")

// BadUsage returns a special error that may be returned by Program.Run. It
// causes the main function to print out a message, the usage information and
// exit with 2.
func BadUsage(msg string) error { return badUsageError{msg} }

type badUsageError struct{ msg string }

func (e badUsageError) Error() string { return e.msg }

// Exit returns a special error that may be returned by Program.Run. It causes
// the main function to exit with the given code without printing any error
// messages. Exit(0) returns nil.
func Exit(exit int) error {
	if exit == 0 {
		return nil
	}
	return exitError{exit}
}

type exitError struct{ exit int }

func (e exitError) Error() string { return "" }

// Program represents a subprogram.
type Program interface {
	// Run runs the subprogram.
	Run(fds [3]*os.File, f *Flags, args []string) error
}

// Package host assembles the parts shared by all sessions of an rsh process:
// the resource providers, the command resolver and the evaluation engine.
// It also implements the interactive subprogram, which serves one session on
// the local terminal.
package host

import (
	"context"
	"os"
	"os/user"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"src.rsh.sh/pkg/command"
	"src.rsh.sh/pkg/command/jscmd"
	"src.rsh.sh/pkg/config"
	"src.rsh.sh/pkg/env"
	"src.rsh.sh/pkg/eval"
	"src.rsh.sh/pkg/logutil"
	"src.rsh.sh/pkg/resource"
	"src.rsh.sh/pkg/shell"
)

var logger = logutil.GetLogger("[host] ")

// Host holds the parts shared by sessions.
type Host struct {
	Provider resource.Provider
	Resolver *command.Resolver
	Engine   *eval.Engine
	Metrics  *shell.Metrics

	workers   int64
	stopWatch context.CancelFunc
	closeBolt func() error
}

// Open builds a Host from the configuration. Metrics are registered with
// reg, which may be nil.
func Open(cfg config.Config, reg prometheus.Registerer) (*Host, error) {
	roots := cfg.Commands
	if len(roots) == 0 {
		roots = DefaultRoots()
	}
	dir := resource.NewDir(roots...)
	providers := []resource.Provider{dir}

	h := &Host{workers: cfg.Workers, Metrics: shell.NewMetrics(reg)}
	if cfg.DB != "" {
		db, err := resource.OpenBolt(cfg.DB)
		if err != nil {
			return nil, err
		}
		providers = append(providers, db)
		h.closeBolt = db.Close
	}
	h.Provider = resource.Chain(providers...)
	h.Resolver = command.NewResolver(h.Provider, jscmd.New())
	h.Engine = eval.NewEngine(h.Resolver)

	if cfg.Watch {
		ctx, cancel := context.WithCancel(context.Background())
		err := dir.Watch(ctx, func(kind resource.Kind, name string) {
			if kind == resource.Command {
				h.Resolver.EvictResource(name)
			}
		})
		if err != nil {
			cancel()
			h.Close()
			return nil, err
		}
		h.stopWatch = cancel
	}
	logger.Infow("host opened", "roots", roots, "db", cfg.DB, "watch", cfg.Watch)
	return h, nil
}

// DefaultRoots returns the command roots used when none is configured:
// the rsh directory in the XDG configuration directory, or in ~/.config.
func DefaultRoots() []string {
	if d := os.Getenv(env.XDG_CONFIG_HOME); d != "" {
		return []string{filepath.Join(d, "rsh")}
	}
	if home := os.Getenv(env.HOME); home != "" {
		return []string{filepath.Join(home, ".config", "rsh")}
	}
	return nil
}

// NewShell creates the shell of a new session. The session attributes start
// with the given values; the name of the current user is added as "user"
// unless already present.
func (h *Host) NewShell(attrs map[string]any) shell.Shell {
	init := map[string]any{}
	if u, err := user.Current(); err == nil {
		init["user"] = u.Username
	}
	for k, v := range attrs {
		init[k] = v
	}
	s := shell.NewSession(h.Engine, h.Provider, init)
	return shell.NewAsyncShell(s, shell.Config{Workers: h.workers}, h.Metrics)
}

// Close stops watching for changes and closes the database.
func (h *Host) Close() error {
	if h.stopWatch != nil {
		h.stopWatch()
	}
	if h.closeBolt != nil {
		return h.closeBolt()
	}
	return nil
}

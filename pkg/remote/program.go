package remote

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"src.rsh.sh/pkg/config"
	"src.rsh.sh/pkg/host"
	"src.rsh.sh/pkg/prog"
	"src.rsh.sh/pkg/shell"
	"src.rsh.sh/pkg/sys"
)

// Program is the server subprogram, run with -serve. It serves sessions
// until interrupted.
type Program struct{}

func (Program) Run(fds [3]*os.File, f *prog.Flags, args []string) error {
	if !f.Serve {
		return prog.ErrNotSuitable
	}
	if len(args) > 0 {
		return prog.BadUsage("arguments are not allowed with -serve")
	}
	sigs, stop := sys.NotifyInterrupt()
	defer stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sigs
		logger.Infow("interrupted, shutting down")
		cancel()
	}()
	return Serve(ctx, f.Config, prometheus.NewRegistry())
}

// Serve opens a host from cfg and runs the servers it configures until ctx
// is done. Metrics are registered with reg and served from it.
func Serve(ctx context.Context, cfg config.Config, reg *prometheus.Registry) error {
	sc := cfg.Server
	if sc.Listen == "" && sc.Sock == "" {
		return errNothingToServe
	}
	h, err := host.Open(cfg, reg)
	if err != nil {
		return err
	}
	defer h.Close()

	var httpListener, sockListener net.Listener
	if sc.Listen != "" {
		if httpListener, err = net.Listen("tcp", sc.Listen); err != nil {
			return err
		}
	}
	if sc.Sock != "" {
		os.Remove(sc.Sock)
		if sockListener, err = net.Listen("unix", sc.Sock); err != nil {
			if httpListener != nil {
				httpListener.Close()
			}
			return err
		}
		defer os.Remove(sc.Sock)
	}

	s := NewServer(Options{
		NewShell:    func() shell.Shell { return h.NewShell(map[string]any{"remote": true}) },
		Resolver:    h.Resolver,
		Registerer:  reg,
		Gatherer:    reg,
		RateLimit:   sc.RateLimit,
		RateBurst:   sc.RateBurst,
		IdleTimeout: time.Duration(sc.IdleTimeout),
	})
	defer s.Close()

	g, ctx := errgroup.WithContext(ctx)
	if httpListener != nil {
		hs := &http.Server{Handler: s.Handler()}
		g.Go(func() error {
			logger.Infow("serving HTTP", "addr", httpListener.Addr().String())
			if err := hs.Serve(httpListener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Close()
		})
	}
	if sockListener != nil {
		g.Go(func() error {
			logger.Infow("serving JSON-RPC", "sock", sc.Sock)
			return s.ServeSocket(ctx, sockListener)
		})
	}
	return g.Wait()
}

var errNothingToServe = errors.New("neither an HTTP address nor a socket is configured")

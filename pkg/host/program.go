package host

import (
	"os"

	"src.rsh.sh/pkg/processor"
	"src.rsh.sh/pkg/prog"
	"src.rsh.sh/pkg/term"
)

// Program is the interactive subprogram. It serves one session on the
// standard input and output until the session is closed.
type Program struct{}

func (Program) Run(fds [3]*os.File, f *prog.Flags, args []string) error {
	if len(args) > 0 {
		return prog.BadUsage("arguments are not allowed")
	}
	h, err := Open(f.Config, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	sh := h.NewShell(nil)
	t := term.NewLocal(fds[0], fds[1])
	p := processor.New(sh, t, func() {
		sh.Close()
		if err := t.Close(); err != nil {
			logger.Warnw("cannot close terminal", "err", err)
		}
	})
	p.Run()
	return nil
}

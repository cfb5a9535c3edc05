// Rsh is an interactive shell whose commands are scripts loaded from
// directories or a database. Sessions run on the local terminal, or are
// served to remote terminals over websockets and a JSON-RPC socket.
package main

import (
	"os"

	"src.rsh.sh/pkg/buildinfo"
	"src.rsh.sh/pkg/host"
	"src.rsh.sh/pkg/lsp"
	"src.rsh.sh/pkg/prog"
	"src.rsh.sh/pkg/remote"
)

func main() {
	os.Exit(prog.Run(
		[3]*os.File{os.Stdin, os.Stdout, os.Stderr}, os.Args,
		prog.Composite(
			buildinfo.Program{}, lsp.Program{}, remote.Program{}, host.Program{})))
}

//go:build unix

package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

func winSize(file *os.File) (row, col int) {
	ws, err := unix.IoctlGetWinsize(int(file.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return -1, -1
	}
	// Some terminals, like serial consoles, report a zero size.
	if ws.Col == 0 {
		ws.Col = 80
	}
	if ws.Row == 0 {
		ws.Row = 24
	}
	return int(ws.Row), int(ws.Col)
}

// Echo reports whether character echo is on for the terminal.
func Echo(fd int) (bool, error) {
	t, err := unix.IoctlGetTermios(fd, getAttrIOCTL)
	if err != nil {
		return false, err
	}
	return t.Lflag&unix.ECHO != 0, nil
}

// SetEcho turns character echo of the terminal on or off.
func SetEcho(fd int, on bool) error {
	t, err := unix.IoctlGetTermios(fd, getAttrIOCTL)
	if err != nil {
		return err
	}
	if on {
		t.Lflag |= unix.ECHO
	} else {
		t.Lflag &^= unix.ECHO
	}
	return unix.IoctlSetTermios(fd, setAttrNowIOCTL, t)
}

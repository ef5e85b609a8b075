//go:build linux

package tty

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// checkTerminal refuses anything that does not answer TCGETS, such as a
// regular file passed by mistake.
func checkTerminal(path string) error {
	fp, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	defer fp.Close()

	_, err = unix.IoctlGetTermios(int(fp.Fd()), unix.TCGETS)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotTerminal, path, err)
	}
	return nil
}

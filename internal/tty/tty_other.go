//go:build !linux

package tty

func checkTerminal(path string) error {
	return nil
}

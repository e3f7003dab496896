//go:build windows

package toolserver

import (
	"os"
	"os/exec"
)

func configureCommand(*exec.Cmd) {}

// terminate kills immediately; Windows has no portable terminate signal.
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}

package sshd

import (
	"fmt"
	"os/exec"

	"github.com/gliderlabs/ssh"
)

func (h *SSHD) runCommand(s ssh.Session, isPty bool) error {
	if isPty {
		return fmt.Errorf("pty sessions are not supported on windows")
	}

	var cmd *exec.Cmd
	if len(s.Command()) > 0 {
		cmd = exec.Command(h.conf.DefaultShell, "/C", s.RawCommand())
	} else {
		cmd = exec.Command(h.conf.DefaultShell)
	}
	cmd.Env = append(cmd.Environ(), s.Environ()...)

	cmd.Stdin = s
	cmd.Stdout = s
	cmd.Stderr = s.Stderr()
	return cmd.Run()
}

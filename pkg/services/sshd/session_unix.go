//go:build !windows

package sshd

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/creack/pty"
	"github.com/gliderlabs/ssh"
)

func (h *SSHD) runCommand(s ssh.Session, isPty bool) error {
	var cmd *exec.Cmd
	if len(s.Command()) > 0 {
		cmd = exec.Command(h.conf.DefaultShell, "-c", s.RawCommand())
	} else {
		cmd = exec.Command(h.conf.DefaultShell)
	}
	cmd.Env = append(cmd.Environ(), s.Environ()...)

	if !isPty {
		cmd.Stdin = s
		cmd.Stdout = s
		cmd.Stderr = s.Stderr()
		return cmd.Run()
	}

	ptyReq, winCh, _ := s.Pty()
	cmd.Env = append(cmd.Env, fmt.Sprintf("TERM=%s", ptyReq.Term))

	f, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start pty failed: %w", err)
	}
	defer f.Close()

	go func() {
		for win := range winCh {
			_ = pty.Setsize(f, &pty.Winsize{
				Rows: uint16(win.Height),
				Cols: uint16(win.Width),
			})
		}
	}()

	go func() { _, _ = io.Copy(f, s) }()
	_, _ = io.Copy(s, f)

	return cmd.Wait()
}

// Package sshd terminates relay data streams as SSH sessions using the
// gliderlabs ssh server library. The adapter stays thin: policy loading
// and credential checks live here, the protocol belongs to the library.
package sshd

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"slices"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"

	"github.com/molerat-dev/molerat/pkg/config"
	"github.com/molerat-dev/molerat/pkg/log"
	"github.com/molerat-dev/molerat/pkg/services"
)

type SSHD struct {
	conf   *config.SSHConfig
	server *ssh.Server
}

func NewHandler(c *config.SSHConfig) (*SSHD, error) {
	signer, err := loadOrCreateHostKey(c.HostKey)
	if err != nil {
		return nil, err
	}

	h := &SSHD{conf: c}

	srv := &ssh.Server{
		Handler:     h.session,
		HostSigners: []ssh.Signer{signer},
		MaxTimeout:  time.Duration(c.ConnectionTimeout) * time.Second,
		ServerConfigCallback: func(ctx ssh.Context) *gossh.ServerConfig {
			return &gossh.ServerConfig{MaxAuthTries: c.MaxAuthTries}
		},
	}

	if slices.Contains(c.AuthMethods, "password") && c.Password != "" {
		srv.PasswordHandler = h.passwordAuth
	}

	if slices.Contains(c.AuthMethods, "publickey") && c.AuthorizedKeys != "" {
		keys, err := parseAuthorizedKeys(c.AuthorizedKeys)
		if err != nil {
			return nil, err
		}
		srv.PublicKeyHandler = func(ctx ssh.Context, key ssh.PublicKey) bool {
			return matches(keys, key)
		}
	}

	if srv.PasswordHandler == nil && srv.PublicKeyHandler == nil {
		return nil, fmt.Errorf("ssh service has no usable authentication method")
	}

	if c.Sftp != nil && *c.Sftp {
		srv.SubsystemHandlers = map[string]ssh.SubsystemHandler{
			"sftp": sftpSubsystem,
		}
	}

	if c.TCPForwarding {
		srv.LocalPortForwardingCallback = func(ctx ssh.Context, host string, port uint32) bool { return true }
		srv.ChannelHandlers = map[string]ssh.ChannelHandler{
			"session":      ssh.DefaultSessionHandler,
			"direct-tcpip": ssh.DirectTCPIPHandler,
		}
	}

	h.server = srv
	return h, nil
}

func (h *SSHD) ServiceType() string { return "ssh" }

// HandleTCP hands the tunnel stream to the ssh library; it runs the full
// protocol and returns when the connection ends.
func (h *SSHD) HandleTCP(ctx context.Context, stream net.Conn) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-done:
		}
	}()

	h.server.HandleConn(stream)
	return nil
}

func (h *SSHD) HandleUDP(ctx context.Context, stream net.Conn) error {
	_ = stream.Close()
	return services.ErrUnsupportedOnThisService
}

func (h *SSHD) passwordAuth(ctx ssh.Context, password string) bool {
	userOk := subtle.ConstantTimeCompare([]byte(ctx.User()), []byte(h.conf.Username)) == 1
	passOk := subtle.ConstantTimeCompare([]byte(password), []byte(h.conf.Password)) == 1
	return userOk && passOk
}

func (h *SSHD) session(s ssh.Session) {
	_, _, isPty := s.Pty()

	switch {
	case len(s.Command()) > 0:
		if h.conf.Exec == nil || !*h.conf.Exec {
			fmt.Fprintln(s.Stderr(), "exec is disabled")
			_ = s.Exit(1)
			return
		}
	default:
		if h.conf.Shell == nil || !*h.conf.Shell {
			fmt.Fprintln(s.Stderr(), "shell is disabled")
			_ = s.Exit(1)
			return
		}
	}

	if isPty && (h.conf.Pty == nil || !*h.conf.Pty) {
		fmt.Fprintln(s.Stderr(), "pty is disabled")
		_ = s.Exit(1)
		return
	}

	if err := h.runCommand(s, isPty); err != nil {
		log.Warn("ssh session failed", "user", s.User(), "err", err)
		_ = s.Exit(1)
		return
	}
	_ = s.Exit(0)
}

func sftpSubsystem(s ssh.Session) {
	server, err := sftp.NewServer(s)
	if err != nil {
		log.Warn("sftp server failed", "err", err)
		return
	}
	defer server.Close()

	if err := server.Serve(); err != nil && err != io.EOF {
		log.Warn("sftp serve failed", "err", err)
	}
}

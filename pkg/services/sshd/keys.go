package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	gossh "golang.org/x/crypto/ssh"
)

// loadOrCreateHostKey returns the host key signer. A configured path is
// loaded when present; when the path is configured but absent an Ed25519
// key is generated and persisted there. With no path the key is ephemeral
// per process.
func loadOrCreateHostKey(path string) (gossh.Signer, error) {
	if path == "" {
		signer, _, err := generateHostKey()
		return signer, err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse host key %s failed: %w", path, err)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read host key %s failed: %w", path, err)
	}

	signer, pemBytes, err := generateHostKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("write host key %s failed: %w", path, err)
	}
	return signer, nil
}

func generateHostKey() (gossh.Signer, []byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate host key failed: %w", err)
	}

	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal host key failed: %w", err)
	}

	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		return nil, nil, err
	}
	return signer, pem.EncodeToMemory(block), nil
}

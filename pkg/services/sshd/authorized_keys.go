package sshd

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"

	gossh "golang.org/x/crypto/ssh"
)

// authorizedKey is one parsed entry of an OpenSSH authorized_keys file.
// Per-key options are preserved even though only the key itself gates
// authentication.
type authorizedKey struct {
	Options     []string
	Comment     string
	Fingerprint [sha256.Size]byte
}

func fingerprint(key gossh.PublicKey) [sha256.Size]byte {
	return sha256.Sum256(key.Marshal())
}

// parseAuthorizedKeys reads an authorized_keys file: one key per
// non-blank, non-comment line.
func parseAuthorizedKeys(path string) ([]authorizedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authorized_keys %s failed: %w", path, err)
	}

	var keys []authorizedKey
	for lineno, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, comment, options, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("authorized_keys %s line %d: %w", path, lineno+1, err)
		}

		keys = append(keys, authorizedKey{
			Options:     options,
			Comment:     comment,
			Fingerprint: fingerprint(key),
		})
	}

	return keys, nil
}

// matches reports whether the presented key's fingerprint equals any
// authorized entry.
func matches(keys []authorizedKey, presented gossh.PublicKey) bool {
	fp := fingerprint(presented)
	for _, k := range keys {
		if k.Fingerprint == fp {
			return true
		}
	}
	return false
}

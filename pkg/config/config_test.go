package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/molerat-dev/molerat/pkg/utils/assert"
)

func write(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	assert.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestLoadLegacySingleService(t *testing.T) {
	c, err := Load(write(t, `
[client]
remote_addr = "relay.example.com:2333"
service_name = "socks5"
token = "t"
`))
	assert.NoError(t, err)

	assert.Equal(t, uint64(40), c.Client.HeartbeatTimeout)
	assert.Equal(t, TransportTCP, c.Client.Transport.Type)
	assert.True(t, *c.Client.Transport.TCP.Nodelay)
	assert.Equal(t, 2, c.Client.Pool.MinTCPChannels)
	assert.Equal(t, 1, c.Client.Pool.MinUDPChannels)
	assert.Equal(t, uint64(300), c.Client.Pool.IdleTimeout)

	services := c.EffectiveServices()
	assert.Equal(t, 1, len(services))
	assert.Equal(t, "socks5", services[0].Name)
	assert.Equal(t, ServiceSocks5, services[0].ServiceType)
	assert.True(t, *services[0].Socks.DNSResolve)
	assert.Equal(t, uint64(10), services[0].Socks.RequestTimeout)
}

func TestLoadMultiService(t *testing.T) {
	c, err := Load(write(t, `
[client]
remote_addr = "relay.example.com:2333"

[[client.services]]
name = "proxy"
token = "a"
service_type = "socks5"

[client.services.socks]
auth_required = true
username = "u"
password = "p"
allow_udp = true

[[client.services]]
name = "shell"
token = "b"
service_type = "ssh"

[client.services.ssh]
authorized_keys = "/etc/molerat/authorized_keys"
`))
	assert.NoError(t, err)

	services := c.EffectiveServices()
	assert.Equal(t, 2, len(services))
	assert.True(t, services[0].Socks.AuthRequired)
	assert.True(t, services[0].Socks.AllowUDP)
	assert.Equal(t, ServiceSSH, services[1].ServiceType)
	assert.Equal(t, 6, services[1].SSH.MaxAuthTries)
	assert.Equal(t, []string{"publickey", "password"}, services[1].SSH.AuthMethods)
}

func TestNoiseDefaults(t *testing.T) {
	c, err := Load(write(t, `
[client]
remote_addr = "r:2333"
service_name = "s"
token = "t"

[client.transport]
type = "noise"

[client.transport.noise]
remote_public_key = "mrP4Tz1QdyDeWPm/6Cw7dVNAUfaR9GTKfOr1H7eCx2w="
`))
	assert.NoError(t, err)
	assert.Equal(t, "Noise_NK_25519_ChaChaPoly_BLAKE2s", c.Client.Transport.Noise.Pattern)
}

func TestNoiseWithoutKey(t *testing.T) {
	_, err := Load(write(t, `
[client]
remote_addr = "r:2333"
service_name = "s"
token = "t"

[client.transport]
type = "noise"
`))
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestWireguardNoiseExclusive(t *testing.T) {
	_, err := Load(write(t, `
[client]
remote_addr = "r:2333"
service_name = "s"
token = "t"

[client.transport]
type = "noise"

[client.transport.noise]
remote_public_key = "k"

[client.wireguard]
enabled = true
private_key = "a"
peer_public_key = "b"
peer_endpoint = "w:51820"
address = "10.0.0.2/32"
`))
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestMissingToken(t *testing.T) {
	_, err := Load(write(t, `
[client]
remote_addr = "r:2333"
service_name = "s"
`))
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestPoolBounds(t *testing.T) {
	_, err := Load(write(t, `
[client]
remote_addr = "r:2333"
service_name = "s"
token = "t"

[client.pool]
min_tcp_channels = 5
max_tcp_channels = 2
`))
	assert.True(t, errors.Is(err, ErrConfig))
}

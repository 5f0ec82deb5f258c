// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// ErrConfig marks every configuration failure; the cli maps it to exit
// code 2.
var ErrConfig = fmt.Errorf("config error")

type Config struct {
	Client ClientConfig `toml:"client"`
}

type ServiceType string

const (
	ServiceSocks5 ServiceType = "socks5"
	ServiceSSH    ServiceType = "ssh"
)

type ClientConfig struct {
	// RemoteAddr is the relay host:port this client dials out to.
	RemoteAddr string `toml:"remote_addr"`

	// ServiceName and Token configure legacy single-service mode; they
	// are ignored when Services is non-empty.
	ServiceName string `toml:"service_name"`
	Token       string `toml:"token"`

	// HeartbeatTimeout is the longest silence tolerated on a control
	// channel, in seconds.
	HeartbeatTimeout uint64 `toml:"heartbeat_timeout"`

	Transport TransportConfig  `toml:"transport"`
	Wireguard WireguardConfig  `toml:"wireguard"`
	Pool      PoolConfig       `toml:"pool"`
	Socks     SocksConfig      `toml:"socks"`
	SSH       SSHConfig        `toml:"ssh"`
	Services  []ServiceConfig  `toml:"services"`
}

type ServiceConfig struct {
	Name        string       `toml:"name"`
	Token       string       `toml:"token"`
	ServiceType ServiceType  `toml:"service_type"`
	Socks       *SocksConfig `toml:"socks"`
	SSH         *SSHConfig   `toml:"ssh"`
}

type TransportType string

const (
	TransportTCP   TransportType = "tcp"
	TransportNoise TransportType = "noise"
)

type TransportConfig struct {
	Type  TransportType `toml:"type"`
	TCP   TCPConfig     `toml:"tcp"`
	Noise *NoiseConfig  `toml:"noise"`
}

type TCPConfig struct {
	Nodelay           *bool  `toml:"nodelay"`
	KeepaliveSecs     uint64 `toml:"keepalive_secs"`
	KeepaliveInterval uint64 `toml:"keepalive_interval"`
}

type NoiseConfig struct {
	Pattern         string `toml:"pattern"`
	RemotePublicKey string `toml:"remote_public_key"`
	LocalPrivateKey string `toml:"local_private_key"`
}

type WireguardConfig struct {
	Enabled             bool     `toml:"enabled"`
	PrivateKey          string   `toml:"private_key"`
	PeerPublicKey       string   `toml:"peer_public_key"`
	PresharedKey        string   `toml:"preshared_key"`
	PeerEndpoint        string   `toml:"peer_endpoint"`
	PersistentKeepalive uint64   `toml:"persistent_keepalive"`
	Address             string   `toml:"address"`
	AllowedIPs          []string `toml:"allowed_ips"`
	MTU                 int      `toml:"mtu"`
}

type PoolConfig struct {
	MinTCPChannels      int    `toml:"min_tcp_channels"`
	MaxTCPChannels      int    `toml:"max_tcp_channels"`
	MinUDPChannels      int    `toml:"min_udp_channels"`
	MaxUDPChannels      int    `toml:"max_udp_channels"`
	IdleTimeout         uint64 `toml:"idle_timeout"`
	HealthCheckInterval uint64 `toml:"health_check_interval"`
	AcquireTimeout      uint64 `toml:"acquire_timeout"`
}

type SocksConfig struct {
	AuthRequired   bool   `toml:"auth_required"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	AllowUDP       bool   `toml:"allow_udp"`
	DNSResolve     *bool  `toml:"dns_resolve"`
	RequestTimeout uint64 `toml:"request_timeout"`
}

type SSHConfig struct {
	HostKey           string   `toml:"host_key"`
	AuthorizedKeys    string   `toml:"authorized_keys"`
	Password          string   `toml:"password"`
	Username          string   `toml:"username"`
	AuthMethods       []string `toml:"auth_methods"`
	Shell             *bool    `toml:"shell"`
	Exec              *bool    `toml:"exec"`
	Sftp              *bool    `toml:"sftp"`
	Pty               *bool    `toml:"pty"`
	TCPForwarding     bool     `toml:"tcp_forwarding"`
	X11Forwarding     bool     `toml:"x11_forwarding"`
	AgentForwarding   bool     `toml:"agent_forwarding"`
	MaxAuthTries      int      `toml:"max_auth_tries"`
	ConnectionTimeout uint64   `toml:"connection_timeout"`
	DefaultShell      string   `toml:"default_shell"`
}

// Load reads, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}

	c.SetDefault()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) SetDefault() {
	cl := &c.Client

	if cl.HeartbeatTimeout == 0 {
		cl.HeartbeatTimeout = 40
	}
	if cl.Transport.Type == "" {
		cl.Transport.Type = TransportTCP
	}
	if cl.Transport.TCP.Nodelay == nil {
		t := true
		cl.Transport.TCP.Nodelay = &t
	}
	if cl.Transport.TCP.KeepaliveSecs == 0 {
		cl.Transport.TCP.KeepaliveSecs = 20
	}
	if cl.Transport.TCP.KeepaliveInterval == 0 {
		cl.Transport.TCP.KeepaliveInterval = 8
	}
	if cl.Transport.Noise != nil && cl.Transport.Noise.Pattern == "" {
		cl.Transport.Noise.Pattern = "Noise_NK_25519_ChaChaPoly_BLAKE2s"
	}
	if cl.Wireguard.MTU == 0 {
		cl.Wireguard.MTU = 1280
	}

	p := &cl.Pool
	if p.MinTCPChannels == 0 {
		p.MinTCPChannels = 2
	}
	if p.MaxTCPChannels == 0 {
		p.MaxTCPChannels = 10
	}
	if p.MinUDPChannels == 0 {
		p.MinUDPChannels = 1
	}
	if p.MaxUDPChannels == 0 {
		p.MaxUDPChannels = 5
	}
	if p.IdleTimeout == 0 {
		p.IdleTimeout = 300
	}
	if p.HealthCheckInterval == 0 {
		p.HealthCheckInterval = 30
	}
	if p.AcquireTimeout == 0 {
		p.AcquireTimeout = 10
	}

	cl.Socks.SetDefault()
	cl.SSH.SetDefault()
	for i := range cl.Services {
		s := &cl.Services[i]
		if s.ServiceType == "" {
			s.ServiceType = ServiceSocks5
		}
		if s.Socks != nil {
			s.Socks.SetDefault()
		}
		if s.SSH != nil {
			s.SSH.SetDefault()
		}
	}
}

func (s *SocksConfig) SetDefault() {
	if s.DNSResolve == nil {
		t := true
		s.DNSResolve = &t
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 10
	}
}

func (s *SSHConfig) SetDefault() {
	if len(s.AuthMethods) == 0 {
		s.AuthMethods = []string{"publickey", "password"}
	}
	t := true
	if s.Shell == nil {
		s.Shell = &t
	}
	if s.Exec == nil {
		s.Exec = &t
	}
	if s.Sftp == nil {
		s.Sftp = &t
	}
	if s.Pty == nil {
		s.Pty = &t
	}
	if s.MaxAuthTries == 0 {
		s.MaxAuthTries = 6
	}
	if s.ConnectionTimeout == 0 {
		s.ConnectionTimeout = 300
	}
	if s.DefaultShell == "" {
		s.DefaultShell = defaultShell
	}
}

func (c *Config) Validate() error {
	cl := &c.Client

	if cl.RemoteAddr == "" {
		return fmt.Errorf("%w: client.remote_addr is required", ErrConfig)
	}

	// WireGuard already encrypts; stacking Noise on top of it is a
	// configuration mistake, not a supported mode.
	if cl.Wireguard.Enabled && cl.Transport.Type == TransportNoise {
		return fmt.Errorf("%w: wireguard and noise transport are mutually exclusive", ErrConfig)
	}

	if cl.Transport.Type == TransportNoise {
		if cl.Transport.Noise == nil || cl.Transport.Noise.RemotePublicKey == "" {
			return fmt.Errorf("%w: noise transport requires client.transport.noise.remote_public_key", ErrConfig)
		}
	}

	if cl.Wireguard.Enabled {
		switch {
		case cl.Wireguard.PrivateKey == "":
			return fmt.Errorf("%w: wireguard requires private_key", ErrConfig)
		case cl.Wireguard.PeerPublicKey == "":
			return fmt.Errorf("%w: wireguard requires peer_public_key", ErrConfig)
		case cl.Wireguard.PeerEndpoint == "":
			return fmt.Errorf("%w: wireguard requires peer_endpoint", ErrConfig)
		case cl.Wireguard.Address == "":
			return fmt.Errorf("%w: wireguard requires address", ErrConfig)
		}
	}

	if p := &cl.Pool; p.MinTCPChannels > p.MaxTCPChannels || p.MinUDPChannels > p.MaxUDPChannels {
		return fmt.Errorf("%w: pool min channels exceed max", ErrConfig)
	}

	for _, s := range c.EffectiveServices() {
		if s.Name == "" {
			return fmt.Errorf("%w: service name is required", ErrConfig)
		}
		if s.Token == "" {
			return fmt.Errorf("%w: service %q has no token", ErrConfig, s.Name)
		}
		switch s.ServiceType {
		case ServiceSocks5, ServiceSSH:
		default:
			return fmt.Errorf("%w: service %q has unknown type %q", ErrConfig, s.Name, s.ServiceType)
		}
	}

	return nil
}

// EffectiveServices returns the multi-service list when present, otherwise
// a single service built from the legacy top-level fields.
func (c *Config) EffectiveServices() []ServiceConfig {
	if len(c.Client.Services) > 0 {
		return c.Client.Services
	}

	socks := c.Client.Socks
	ssh := c.Client.SSH
	return []ServiceConfig{{
		Name:        c.Client.ServiceName,
		Token:       c.Client.Token,
		ServiceType: ServiceSocks5,
		Socks:       &socks,
		SSH:         &ssh,
	}}
}

package config

import (
	"fmt"
	"time"
)

// Default negotiation values proposed to the broker. The handshake resolves
// the effective values from both sides' proposals.
const (
	DefaultHeartbeat  = 60 * time.Second
	DefaultFrameMax   = 131072
	DefaultChannelMax = 2047
	DefaultLocale     = "en_US"

	DefaultCallTimeout = 10 * time.Second
	DefaultDialTimeout = 30 * time.Second

	// FrameMinSize is the protocol's lower bound on the frame-max value a
	// peer may propose.
	FrameMinSize = 4096
)

// Config holds everything needed to establish and tune one connection.
// Zero values mean "use the default"; Normalize resolves them.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	VHost    string `yaml:"vhost"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Locale   string `yaml:"locale"`

	// Negotiation proposals. The handshake takes the minimum of client and
	// server values; zero defers to the other side.
	ChannelMax uint16        `yaml:"channel_max"`
	FrameMax   uint32        `yaml:"frame_max"`
	Heartbeat  time.Duration `yaml:"-"`

	// CallTimeout bounds every synchronous method call on the connection
	// and its channels.
	CallTimeout time.Duration `yaml:"-"`

	// DialTimeout bounds the TCP connect when the Dial helpers open the
	// transport themselves.
	DialTimeout time.Duration `yaml:"-"`

	// HeartbeatSet distinguishes an explicit zero (heartbeats disabled)
	// from an unset value.
	HeartbeatSet bool `yaml:"-"`
}

// Defaults returns the configuration used when nothing else is supplied:
// guest credentials against localhost:5672 on the default vhost.
func Defaults() Config {
	return Config{
		Host:        "localhost",
		Port:        5672,
		VHost:       "/",
		Username:    "guest",
		Password:    "guest",
		Locale:      DefaultLocale,
		ChannelMax:  DefaultChannelMax,
		FrameMax:    DefaultFrameMax,
		Heartbeat:   DefaultHeartbeat,
		CallTimeout: DefaultCallTimeout,
		DialTimeout: DefaultDialTimeout,
	}
}

// Merge overlays the non-zero fields of other onto c and returns the result.
// Later sources win: defaults, then config file, then flags.
func (c Config) Merge(other Config) Config {
	if other.Host != "" {
		c.Host = other.Host
	}
	if other.Port != 0 {
		c.Port = other.Port
	}
	if other.VHost != "" {
		c.VHost = other.VHost
	}
	if other.Username != "" {
		c.Username = other.Username
	}
	if other.Password != "" {
		c.Password = other.Password
	}
	if other.Locale != "" {
		c.Locale = other.Locale
	}
	if other.ChannelMax != 0 {
		c.ChannelMax = other.ChannelMax
	}
	if other.FrameMax != 0 {
		c.FrameMax = other.FrameMax
	}
	if other.Heartbeat != 0 || other.HeartbeatSet {
		c.Heartbeat = other.Heartbeat
		c.HeartbeatSet = other.HeartbeatSet
	}
	if other.CallTimeout != 0 {
		c.CallTimeout = other.CallTimeout
	}
	if other.DialTimeout != 0 {
		c.DialTimeout = other.DialTimeout
	}
	return c
}

// Normalize fills unset fields with defaults and returns the result.
func (c Config) Normalize() Config {
	def := Defaults()
	return def.Merge(c)
}

// Validate reports configuration values the protocol cannot negotiate.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.FrameMax != 0 && c.FrameMax < FrameMinSize {
		return fmt.Errorf("frame_max %d below protocol minimum %d", c.FrameMax, FrameMinSize)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("negative heartbeat interval %v", c.Heartbeat)
	}
	if c.VHost == "" {
		return fmt.Errorf("vhost must not be empty")
	}
	return nil
}

// Addr returns the host:port pair for dialing the broker.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

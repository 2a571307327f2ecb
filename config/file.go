package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSchema is the YAML shape of a config file. Durations are plain
// seconds so files stay shell-friendly.
type fileSchema struct {
	Addr        string `yaml:"addr"` // full amqp:// URI, expanded first
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	VHost       string `yaml:"vhost"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Locale      string `yaml:"locale"`
	ChannelMax  uint16 `yaml:"channel_max"`
	FrameMax    uint32 `yaml:"frame_max"`
	Heartbeat   *int   `yaml:"heartbeat"`    // seconds; explicit 0 disables heartbeats
	CallTimeout int    `yaml:"call_timeout"` // seconds
	DialTimeout int    `yaml:"dial_timeout"` // seconds
}

// LoadFile reads a YAML config file. An addr entry is parsed as an AMQP URI
// first; the remaining entries override its fields. Entries absent from the
// file stay zero so the result merges cleanly over defaults.
func LoadFile(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	var fs fileSchema
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fs.Addr != "" {
		cfg, err = ParseURI(fs.Addr)
		if err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	cfg = cfg.Merge(Config{
		Host:        fs.Host,
		Port:        fs.Port,
		VHost:       fs.VHost,
		Username:    fs.Username,
		Password:    fs.Password,
		Locale:      fs.Locale,
		ChannelMax:  fs.ChannelMax,
		FrameMax:    fs.FrameMax,
		CallTimeout: time.Duration(fs.CallTimeout) * time.Second,
		DialTimeout: time.Duration(fs.DialTimeout) * time.Second,
	})

	if fs.Heartbeat != nil {
		cfg.Heartbeat = time.Duration(*fs.Heartbeat) * time.Second
		cfg.HeartbeatSet = true
	}

	return cfg, nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "1s", "250ms" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// File is the optional YAML overlay. Zero values leave defaults alone.
type File struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	Client   struct {
		APIURL            string   `yaml:"api_url"`
		WSURL             string   `yaml:"ws_url"`
		Token             string   `yaml:"token"`
		UserID            string   `yaml:"user_id"`
		ReconnectAttempts int      `yaml:"reconnect_attempts"`
		ReconnectMin      Duration `yaml:"reconnect_min"`
		ReconnectMax      Duration `yaml:"reconnect_max"`
		HTTPTimeout       Duration `yaml:"http_timeout"`
		TypingIdle        Duration `yaml:"typing_idle"`
	} `yaml:"client"`
	DevServer struct {
		Addr   string `yaml:"addr"`
		Node   int64  `yaml:"node"`
		Users  []User `yaml:"users"`
		Replay int    `yaml:"replay"`
	} `yaml:"devserver"`
}

func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) apply(cfg *Config) {
	setString(&cfg.Env, f.Env)
	setString(&cfg.LogLevel, f.LogLevel)

	c := &cfg.Client
	setString(&c.APIURL, f.Client.APIURL)
	setString(&c.WSURL, f.Client.WSURL)
	setString(&c.Token, f.Client.Token)
	setString(&c.UserID, f.Client.UserID)
	if f.Client.ReconnectAttempts > 0 {
		c.ReconnectAttempts = f.Client.ReconnectAttempts
	}
	setDuration(&c.ReconnectMin, f.Client.ReconnectMin)
	setDuration(&c.ReconnectMax, f.Client.ReconnectMax)
	setDuration(&c.HTTPTimeout, f.Client.HTTPTimeout)
	setDuration(&c.TypingIdle, f.Client.TypingIdle)

	setString(&cfg.DevServer.Addr, f.DevServer.Addr)
	if f.DevServer.Node > 0 {
		cfg.DevServer.Node = f.DevServer.Node
	}
	if len(f.DevServer.Users) > 0 {
		cfg.DevServer.Users = f.DevServer.Users
	}
	if f.DevServer.Replay > 0 {
		cfg.DevServer.Replay = f.DevServer.Replay
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v > 0 {
		*dst = v.Duration()
	}
}

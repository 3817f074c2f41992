package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	LogLevel  string
	Client    ClientConfig
	DevServer DevServerConfig
}

type ClientConfig struct {
	APIURL string
	WSURL  string
	Token  string
	UserID string

	ReconnectAttempts int
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	HTTPTimeout       time.Duration
	TypingIdle        time.Duration
}

type DevServerConfig struct {
	Addr  string
	Node  int64
	Users []User
	// Replay is how many recent messages a socket gets again on join.
	Replay int
}

type User struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type ServiceType string

const (
	ServiceClient    ServiceType = "client"
	ServiceDevServer ServiceType = "devserver"
)

// Defaults mirror the usual browser socket client: 1s first retry growing
// to 5s, ten attempts.
func Defaults() Config {
	return Config{
		Env: "development",
		Client: ClientConfig{
			APIURL:            "http://localhost:3000/api",
			WSURL:             "ws://localhost:3000/api/ws",
			ReconnectAttempts: 10,
			ReconnectMin:      time.Second,
			ReconnectMax:      5 * time.Second,
			HTTPTimeout:       15 * time.Second,
			TypingIdle:        3 * time.Second,
		},
		DevServer: DevServerConfig{
			Addr: "127.0.0.1:3000",
			Node: 1,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by INBOX_CONFIG, and the environment, in that order. In development it
// first loads .env.<service>, falling back to .env.
func Load(service ServiceType) (Config, error) {
	if getEnv("INBOX_ENV", "development") == "development" {
		if err := godotenv.Load(fmt.Sprintf(".env.%s", service)); err != nil {
			_ = godotenv.Load(".env")
		}
	}

	cfg := Defaults()
	if path := getEnv("INBOX_CONFIG", ""); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		fc.apply(&cfg)
	}

	cfg.Env = getEnv("INBOX_ENV", cfg.Env)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	c := &cfg.Client
	c.APIURL = strings.TrimRight(getEnv("INBOX_API_URL", c.APIURL), "/")
	c.WSURL = getEnv("INBOX_WS_URL", c.WSURL)
	c.Token = getEnv("INBOX_TOKEN", c.Token)
	c.UserID = getEnv("INBOX_USER_ID", c.UserID)
	c.ReconnectAttempts = getEnvInt("INBOX_RECONNECT_ATTEMPTS", c.ReconnectAttempts)
	c.ReconnectMin = getEnvDuration("INBOX_RECONNECT_MIN", c.ReconnectMin)
	c.ReconnectMax = getEnvDuration("INBOX_RECONNECT_MAX", c.ReconnectMax)
	c.HTTPTimeout = getEnvDuration("INBOX_HTTP_TIMEOUT", c.HTTPTimeout)
	c.TypingIdle = getEnvDuration("INBOX_TYPING_IDLE", c.TypingIdle)

	d := &cfg.DevServer
	d.Addr = getEnv("DEVSERVER_ADDR", d.Addr)
	d.Node = int64(getEnvInt("DEVSERVER_NODE", int(d.Node)))
	d.Replay = getEnvInt("DEVSERVER_REPLAY", d.Replay)
	if raw, ok := os.LookupEnv("DEVSERVER_USERS"); ok {
		users, err := ParseUsers(raw)
		if err != nil {
			return Config{}, err
		}
		d.Users = users
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	cc := c.Client
	if cc.APIURL == "" || cc.WSURL == "" {
		return fmt.Errorf("INBOX_API_URL and INBOX_WS_URL are required")
	}
	if cc.ReconnectAttempts <= 0 {
		return fmt.Errorf("INBOX_RECONNECT_ATTEMPTS must be positive, got %d", cc.ReconnectAttempts)
	}
	if cc.ReconnectMin <= 0 || cc.ReconnectMax < cc.ReconnectMin {
		return fmt.Errorf("reconnect delays invalid: min=%s max=%s", cc.ReconnectMin, cc.ReconnectMax)
	}
	return nil
}

// RequireIdentity checks what the CLI needs before it can talk to the API.
func (c ClientConfig) RequireIdentity() error {
	if c.Token == "" || c.UserID == "" {
		return fmt.Errorf("INBOX_TOKEN and INBOX_USER_ID are required")
	}
	return nil
}

func (c Config) IsProduction() bool  { return c.Env == "production" }
func (c Config) IsDevelopment() bool { return c.Env == "development" }

// ParseUsers reads "id:Name,id2:Name Two".
func ParseUsers(raw string) ([]User, error) {
	var users []User
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, name, ok := strings.Cut(part, ":")
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if !ok || id == "" {
			return nil, fmt.Errorf("DEVSERVER_USERS: bad entry %q", part)
		}
		if name == "" {
			name = id
		}
		users = append(users, User{ID: id, Name: name})
	}
	return users, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

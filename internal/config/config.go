package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr         string
	RedisURL     string
	TicketSecret string
	CORSOrigin   string
	// Twitch application credentials
	ClientID     string
	ClientSecret string
	RedirectURI  string
	OAuthURL     string
	HelixURL     string
	// Bot registry
	RegistryURL string
	// Selection synchronization
	PollInterval time.Duration
	WaitTimeout  time.Duration
	// OAuth state nonce lifetime
	StateTTL time.Duration
}

// fileConfig mirrors Config for the optional TOML file. Env vars win over
// file values, file values win over defaults.
type fileConfig struct {
	Addr         string `toml:"addr"`
	RedisURL     string `toml:"redis_url"`
	TicketSecret string `toml:"ticket_secret"`
	CORSOrigin   string `toml:"cors_origin"`
	Twitch       struct {
		ClientID     string `toml:"client_id"`
		ClientSecret string `toml:"client_secret"`
		RedirectURI  string `toml:"redirect_uri"`
		OAuthURL     string `toml:"oauth_url"`
		HelixURL     string `toml:"helix_url"`
	} `toml:"twitch"`
	Registry struct {
		URL string `toml:"url"`
	} `toml:"registry"`
	PollIntervalMS int `toml:"poll_interval_ms"`
	WaitTimeoutMS  int `toml:"wait_timeout_ms"`
	StateTTLS      int `toml:"state_ttl_seconds"`
}

func Load() (Config, error) {
	var file fileConfig
	if path := os.Getenv("TEABOT_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &file); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	return Config{
		Addr:         getenv("TEABOT_API_ADDR", file.Addr, ":8086"),
		RedisURL:     getenv("REDIS_URL", file.RedisURL, "redis://localhost:6379/0"),
		TicketSecret: getenv("TEABOT_TICKET_SECRET", file.TicketSecret, "teabot-dev-secret"),
		CORSOrigin:   getenv("TEABOT_CORS_ORIGIN", file.CORSOrigin, "*"),
		ClientID:     getenv("TWITCH_CLIENT_ID", file.Twitch.ClientID, ""),
		ClientSecret: getenv("TWITCH_CLIENT_SECRET", file.Twitch.ClientSecret, ""),
		RedirectURI:  getenv("TWITCH_REDIRECT_URI", file.Twitch.RedirectURI, "http://localhost:3000/login"),
		OAuthURL:     getenv("TWITCH_OAUTH_URL", file.Twitch.OAuthURL, "https://id.twitch.tv/oauth2"),
		HelixURL:     getenv("TWITCH_HELIX_URL", file.Twitch.HelixURL, "https://api.twitch.tv/helix"),
		RegistryURL:  getenv("TEABOT_REGISTRY_URL", file.Registry.URL, "http://localhost:8085/v1"),
		PollInterval: time.Duration(getenvInt("TEABOT_POLL_INTERVAL_MS", file.PollIntervalMS, 1000)) * time.Millisecond,
		WaitTimeout:  time.Duration(getenvInt("TEABOT_WAIT_TIMEOUT_MS", file.WaitTimeoutMS, 25000)) * time.Millisecond,
		StateTTL:     time.Duration(getenvInt("TEABOT_STATE_TTL_SECONDS", file.StateTTLS, 600)) * time.Second,
	}, nil
}

func getenv(key, fileValue, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if fileValue != "" {
		return fileValue
	}
	return fallback
}

func getenvInt(key string, fileValue, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return fallback
}

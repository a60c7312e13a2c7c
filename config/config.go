package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          int
	HTTPAddr      string
	DBPath        string
	ReadTimeout   int // seconds
	WriteTimeout  int // seconds
	PingInterval  int // seconds
	RecoverLimit  int
	Env           string
	LogLevel      string
	ControlSocket string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          3215,
		HTTPAddr:      ":5001",
		DBPath:        "relay.db",
		ReadTimeout:   120,
		WriteTimeout:  30,
		PingInterval:  30,
		RecoverLimit:  500,
		Env:           "development",
		LogLevel:      "info",
		ControlSocket: "/tmp/dmrelay.sock",
	}

	setInt(&cfg.Port, "RELAY_PORT")
	setInt(&cfg.ReadTimeout, "RELAY_READ_TIMEOUT")
	setInt(&cfg.WriteTimeout, "RELAY_WRITE_TIMEOUT")
	setInt(&cfg.PingInterval, "RELAY_PING_INTERVAL")
	setInt(&cfg.RecoverLimit, "RELAY_RECOVER_LIMIT")

	setString(&cfg.HTTPAddr, "RELAY_HTTP_ADDR")
	// PORT is what most hosting platforms inject; it wins over RELAY_HTTP_ADDR.
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			cfg.HTTPAddr = ":" + port
		}
	}

	setString(&cfg.DBPath, "RELAY_DB_PATH")
	setString(&cfg.Env, "RELAY_ENV")
	setString(&cfg.LogLevel, "RELAY_LOG_LEVEL")
	setString(&cfg.ControlSocket, "RELAY_CONTROL_SOCKET")

	return cfg
}

// IsDevelopment reports whether the relay runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func setInt(dst *int, key string) {
	if s := os.Getenv(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			*dst = v
		}
	}
}

func setString(dst *string, key string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

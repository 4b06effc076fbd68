package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Transport TransportConfig `json:"transport"`
	Logging   LoggingConfig   `json:"logging"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	API       APIConfig       `json:"api"`
	Storage   StorageConfig   `json:"storage"`
}

// TransportConfig selects the outbound messaging driver.
//
// Driver values:
//   - "telegram": send through the Telegram Bot API (recipient ids are chat ids)
//   - "whatsapp": send through an externally supplied protocol socket; the
//     session key store persists its credentials across restarts
type TransportConfig struct {
	Driver   string          `json:"driver"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	WhatsApp *WhatsAppConfig `json:"whatsapp,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

// WhatsAppConfig tunes the connection supervisor, not the protocol itself
// (the socket implementation is plugged in at build time).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type WhatsAppConfig struct {
	ReconnectBase string `json:"reconnect_base,omitempty"`
	ReconnectMax  string `json:"reconnect_max,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DispatchConfig controls the hourly campaign dispatcher.
//
// Timezone is the single operating timezone: window evaluation and
// hour-bucket keys both use it, never the host's local clock.
type DispatchConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"` // IANA TZ, e.g. "Asia/Kolkata"

	// TickSpec is the cron spec for the hourly evaluation pass.
	// Leave empty for the default top-of-hour tick ("0 * * * *").
	TickSpec string `json:"tick_spec,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"`

	// SendTimeout bounds one deferred send job (all recipients).
	// Go duration string; "0s" disables the bound.
	SendTimeout string `json:"send_timeout,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// StorageConfig controls the sqlite database holding campaigns, groups,
// the delivery ledger and protocol session entries.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	switch strings.ToLower(strings.TrimSpace(c.Transport.Driver)) {
	case "telegram":
		if c.Transport.Telegram == nil || strings.TrimSpace(c.Transport.Telegram.Token) == "" {
			return errors.New("transport.telegram.token is required for the telegram driver")
		}
	case "whatsapp", "":
		// whatsapp needs no static config; the socket is supplied at build time
	default:
		return fmt.Errorf("unknown transport.driver %q", c.Transport.Driver)
	}

	if tz := strings.TrimSpace(c.Dispatch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("dispatch.timezone: %w", err)
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"api.read_timeout", c.API.ReadTimeout},
		{"api.write_timeout", c.API.WriteTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

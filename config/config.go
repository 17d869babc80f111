// Package config holds the environment-driven service configuration.
package config

import (
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

// SignalConfig holds configuration for the signaling service.
type SignalConfig struct {
	config.ConfigurationDefault

	SignalPort  string `envDefault:"3001"                env:"PORT"`
	TokenSecret string `envDefault:"dev-secret-change-me" env:"SFU_TOKEN_SECRET"`

	GraceWindowSec int `envDefault:"25" env:"SESSION_GRACE_WINDOW_SEC"`

	LevelObserverIntervalMs int `envDefault:"100" env:"LEVEL_OBSERVER_INTERVAL_MS"`
	LevelObserverThreshold  int `envDefault:"-80" env:"LEVEL_OBSERVER_THRESHOLD_DB"`
	LevelObserverMaxEntries int `envDefault:"10"  env:"LEVEL_OBSERVER_MAX_ENTRIES"`

	RTCMinPort  uint16 `envDefault:"40000"                         env:"RTC_MIN_PORT"`
	RTCMaxPort  uint16 `envDefault:"49999"                         env:"RTC_MAX_PORT"`
	STUNServers string `envDefault:"stun:stun.l.google.com:19302" env:"STUN_SERVERS"`

	EventQueueRef string `envDefault:"" env:"EVENT_QUEUE_REF"`
}

// GraceWindow returns the reconnect grace window as a duration.
func (c *SignalConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowSec) * time.Second
}

// LevelObserverInterval returns the observer tick interval.
func (c *SignalConfig) LevelObserverInterval() time.Duration {
	return time.Duration(c.LevelObserverIntervalMs) * time.Millisecond
}

// STUNServerList splits the comma-separated STUN server setting.
func (c *SignalConfig) STUNServerList() []string {
	if c.STUNServers == "" {
		return nil
	}
	return strings.Split(c.STUNServers, ",")
}

package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	StatusInterval time.Duration
	MJPEGInterval  time.Duration
	JPEGQuality    int
	AssetsDirs     []string
	MaxOfferBytes  int64
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		StatusInterval: 2 * time.Second,
		MJPEGInterval:  33 * time.Millisecond,
		JPEGQuality:    80,
		MaxOfferBytes:  64 << 10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	if c.MJPEGInterval < 0 {
		c.MJPEGInterval = 0
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.MaxOfferBytes <= 0 {
		c.MaxOfferBytes = def.MaxOfferBytes
	}
	return c
}

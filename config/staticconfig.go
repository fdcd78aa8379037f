package config

import (
	"time"
)

// Defaults are used for anything the command line and config files leave unset.
func Defaults() Settings {
	return Settings{
		Listen:             ":8080",
		MaxAttempts:        15,
		PollInterval:       1 * time.Second,
		DeviceWaitAttempts: 10,
		DevicePollInterval: 1 * time.Second,
		DeviceListTtl:      30 * time.Second,
		DiscoveryTimeout:   5 * time.Second,
		ConnectTimeout:     10 * time.Second,
	}
}

package config

import (
	"spotcast/types"
	"time"
)

type AppConfig struct {
	Devices        []types.DeviceConfig
	Accounts       []AccountCredentials
	DefaultAccount string
	Settings       Settings
}

// AccountCredentials are the web-player cookies of one Spotify account. Username is only needed
// for receivers that take an encrypted credential blob.
type AccountCredentials struct {
	Name     string
	Username string
	SpDc     string
	SpKey    string
	BlobAuth bool
}

type Settings struct {
	Listen             string
	MaxAttempts        int
	PollInterval       time.Duration
	DeviceWaitAttempts uint64
	DevicePollInterval time.Duration
	DeviceListTtl      time.Duration
	DiscoveryTimeout   time.Duration
	ConnectTimeout     time.Duration
}

// Device finds a device by name, or by room and name together.
func (c *AppConfig) Device(name string) (*types.DeviceConfig, bool) {
	for i := range c.Devices {
		if c.Devices[i].Name == name || c.Devices[i].FullName() == name {
			return &c.Devices[i], true
		}
	}
	return nil, false
}

// Account finds an account by name, falling back to the default account when name is empty.
func (c *AppConfig) Account(name string) (*AccountCredentials, bool) {
	if name == "" {
		name = c.DefaultAccount
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

package webapi

import (
	"context"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseUrl = "https://api.spotify.com/v1/"

var ErrDeviceNotListed = errors.New("device is not in the account's spotify connect device list")

// DeviceCache holds recent device lists per account.
type DeviceCache = expirable.LRU[string, []spotify.PlayerDevice]

func NewDeviceCache(ttl time.Duration) *DeviceCache {
	return expirable.NewLRU[string, []spotify.PlayerDevice](64, nil, ttl)
}

type Option func(*Client)

func WithBaseUrl(baseUrl string) Option {
	return func(c *Client) { c.baseUrl = baseUrl }
}

func WithDeviceCache(cache *DeviceCache) Option {
	return func(c *Client) { c.devices = cache }
}

// WithDeviceWait bounds WaitForDevice to attempts device-list fetches, interval apart.
func WithDeviceWait(attempts uint64, interval time.Duration) Option {
	return func(c *Client) {
		c.waitAttempts = attempts
		c.waitInterval = interval
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is the Web API side of one account: listing Spotify Connect devices and handing
// playback to them.
type Client struct {
	account      string
	baseUrl      string
	api          *spotify.Client
	devices      *DeviceCache
	waitAttempts uint64
	waitInterval time.Duration
	logger       *zap.Logger
}

// NewClient builds a client for account. httpClient must attach the account's bearer token, as
// the one from oauth2.NewClient does.
func NewClient(account string, httpClient *http.Client, opts ...Option) *Client {
	c := &Client{
		account:      account,
		baseUrl:      DefaultBaseUrl,
		waitAttempts: 10,
		waitInterval: 1 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.devices == nil {
		c.devices = NewDeviceCache(30 * time.Second)
	}
	c.api = spotify.New(httpClient, spotify.WithBaseURL(c.baseUrl))
	return c
}

// Devices lists the account's Spotify Connect devices, from the cache unless fresh is set.
func (c *Client) Devices(ctx context.Context, fresh bool) ([]spotify.PlayerDevice, error) {
	if !fresh {
		if devices, present := c.devices.Get(c.account); present {
			return devices, nil
		}
	}
	devices, err := c.api.PlayerDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list spotify devices for %s: %w", c.account, err)
	}
	c.devices.Add(c.account, devices)
	return devices, nil
}

// FindDevice matches on the Spotify device id first and the device name second.
func FindDevice(devices []spotify.PlayerDevice, deviceId, name string) (*spotify.PlayerDevice, bool) {
	for i := range devices {
		if string(devices[i].ID) == deviceId {
			return &devices[i], true
		}
	}
	for i := range devices {
		if name != "" && strings.EqualFold(devices[i].Name, name) {
			return &devices[i], true
		}
	}
	return nil, false
}

// WaitForDevice polls the device list until the device shows up. A freshly launched receiver
// takes a few seconds to register with Spotify Connect.
func (c *Client) WaitForDevice(ctx context.Context, deviceId, name string) (*spotify.PlayerDevice, error) {
	var found *spotify.PlayerDevice
	operation := func() error {
		devices, err := c.Devices(ctx, true)
		if err != nil {
			if isUnauthorised(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		device, present := FindDevice(devices, deviceId, name)
		if !present {
			return ErrDeviceNotListed
		}
		found = device
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.waitInterval), c.waitAttempts), ctx)
	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.logger.Debug("Spotify device not ready yet",
			zap.String("device_id", deviceId), zap.Duration("retry_in", wait), zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("could not find spotify device %s (%s): %w", name, deviceId, err)
	}
	return found, nil
}

func (c *Client) Transfer(ctx context.Context, deviceId string, play bool) error {
	if err := c.api.TransferPlayback(ctx, spotify.ID(deviceId), play); err != nil {
		return fmt.Errorf("could not transfer playback to %s: %w", deviceId, err)
	}
	c.logger.Info("Transferred playback", zap.String("account", c.account), zap.String("device_id", deviceId))
	return nil
}

// Play starts uri on the device. Track and episode URIs are queued as items, anything else is
// played as a context (album, playlist, artist, show).
func (c *Client) Play(ctx context.Context, deviceId, uri string) error {
	id := spotify.ID(deviceId)
	options := &spotify.PlayOptions{DeviceID: &id}
	if isItemUri(uri) {
		options.URIs = []spotify.URI{spotify.URI(uri)}
	} else {
		playbackContext := spotify.URI(uri)
		options.PlaybackContext = &playbackContext
	}
	if err := c.api.PlayOpt(ctx, options); err != nil {
		return fmt.Errorf("could not play %s on %s: %w", uri, deviceId, err)
	}
	c.logger.Info("Started playback", zap.String("account", c.account), zap.String("device_id", deviceId), zap.String("uri", uri))
	return nil
}

func isItemUri(uri string) bool {
	return strings.HasPrefix(uri, "spotify:track:") || strings.HasPrefix(uri, "spotify:episode:")
}

func isUnauthorised(err error) bool {
	var apiErr spotify.Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"net/http"
	"spotcast/account"
	"spotcast/config"
	"spotcast/device"
	"spotcast/device/spotify"
	"spotcast/types"
	"spotcast/webapi"
	"time"
)

var (
	ErrUnknownAccount = errors.New("unknown spotify account")
	ErrUnknownDevice  = errors.New("unknown cast device")
)

type PlayRequest struct {
	Account  string `json:"account"`
	Device   string `json:"device"`
	Uri      string `json:"uri"`
	Transfer bool   `json:"transfer"`
}

// Opener connects to the Spotify receiver channel of a device.
type Opener func(ctx context.Context, dev *types.DeviceConfig) (device.Session, error)

type Option func(*Hub)

func WithOpener(open Opener) Option {
	return func(h *Hub) { h.open = open }
}

func WithWebApiBaseUrl(baseUrl string) Option {
	return func(h *Hub) { h.webApiBaseUrl = baseUrl }
}

func WithWebPlayerBaseUrl(baseUrl string) Option {
	return func(h *Hub) { h.webPlayerBaseUrl = baseUrl }
}

func WithRefreshUrl(refreshUrl string) Option {
	return func(h *Hub) { h.refreshUrl = refreshUrl }
}

func WithHttpClient(client *http.Client) Option {
	return func(h *Hub) { h.client = client }
}

// WithTokenFetchers replaces the web player as the source of account tokens.
func WithTokenFetchers(fetcherFor func(credentials *config.AccountCredentials) account.TokenFetcher) Option {
	return func(h *Hub) { h.fetcherFor = fetcherFor }
}

// Hub casts Spotify to the configured devices on behalf of the configured accounts.
type Hub struct {
	appConfig        *config.AppConfig
	settings         config.Settings
	logger           *zap.Logger
	open             Opener
	client           *http.Client
	webApiBaseUrl    string
	webPlayerBaseUrl string
	refreshUrl       string
	fetcherFor       func(credentials *config.AccountCredentials) account.TokenFetcher

	accounts map[string]*account.Account
	webApis  map[string]*webapi.Client
	metrics  *prometheusMetrics
}

func NewHub(appConfig *config.AppConfig, registry prometheus.Registerer, logger *zap.Logger, opts ...Option) (*Hub, error) {
	h := &Hub{
		appConfig:        appConfig,
		settings:         appConfig.Settings,
		logger:           logger,
		client:           &http.Client{Timeout: 10 * time.Second},
		webApiBaseUrl:    webapi.DefaultBaseUrl,
		webPlayerBaseUrl: account.WebPlayerBaseUrl,
		refreshUrl:       spotify.DeviceAuthRefreshUrl,
		accounts:         make(map[string]*account.Account, len(appConfig.Accounts)),
		webApis:          make(map[string]*webapi.Client, len(appConfig.Accounts)),
	}
	h.open = h.openCastSession
	for _, opt := range opts {
		opt(h)
	}
	h.metrics = registerMetrics(registry, appConfig.Devices)

	deviceCache := webapi.NewDeviceCache(h.settings.DeviceListTtl)
	for i := range appConfig.Accounts {
		credentials := &appConfig.Accounts[i]
		var acct *account.Account
		if h.fetcherFor != nil {
			acct = account.FromFetcher(credentials, h.fetcherFor(credentials), h.metrics.tokenRefreshObserver(credentials.Name))
		} else {
			var err error
			acct, err = account.NewAccount(credentials, h.webPlayerBaseUrl, h.client, logger, h.metrics.tokenRefreshObserver(credentials.Name))
			if err != nil {
				return nil, fmt.Errorf("could not set up account %s: %w", credentials.Name, err)
			}
		}
		h.accounts[acct.Name] = acct
		apiClient := oauth2.NewClient(context.Background(), acct.TokenSource(context.Background()))
		h.webApis[acct.Name] = webapi.NewClient(acct.Name, apiClient,
			webapi.WithBaseUrl(h.webApiBaseUrl),
			webapi.WithDeviceCache(deviceCache),
			webapi.WithDeviceWait(h.settings.DeviceWaitAttempts, h.settings.DevicePollInterval),
			webapi.WithLogger(logger.With(zap.String("account", acct.Name))))
	}
	return h, nil
}

func (h *Hub) openCastSession(ctx context.Context, dev *types.DeviceConfig) (device.Session, error) {
	return device.Open(ctx, dev, h.settings.DiscoveryTimeout, h.settings.ConnectTimeout, h.logger)
}

func (h *Hub) lookup(accountName, deviceName string) (*account.Account, *types.DeviceConfig, error) {
	credentials, present := h.appConfig.Account(accountName)
	if !present {
		return nil, nil, fmt.Errorf("%w: '%s'", ErrUnknownAccount, accountName)
	}
	configured, present := h.appConfig.Device(deviceName)
	if !present {
		return nil, nil, fmt.Errorf("%w: '%s'", ErrUnknownDevice, deviceName)
	}
	// Resolving an address by mDNS writes to the device, so every cast works on its own copy.
	dev := *configured
	return h.accounts[credentials.Name], &dev, nil
}

// Play launches the Spotify receiver on the requested device for the requested account, then
// starts the given URI there or, with Transfer set, moves the account's current playback to it.
func (h *Hub) Play(ctx context.Context, request PlayRequest) error {
	acct, dev, err := h.lookup(request.Account, request.Device)
	if err != nil {
		return err
	}
	logger := h.logger.With(zap.String("account", acct.Name), zap.String("device", dev.FullName()))

	session, err := h.open(ctx, dev)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", dev.FullName(), err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Could not close cast session", zap.Error(err))
		}
	}()

	opts := []spotify.Option{
		spotify.WithLogger(logger),
		spotify.WithHttpClient(h.client),
		spotify.WithRefreshUrl(h.refreshUrl),
		spotify.WithPollInterval(h.settings.PollInterval),
	}
	if acct.BlobAuth {
		opts = append(opts, spotify.WithBlobAuth(acct.Username, nil))
	}
	controller := spotify.NewController(session, acct, opts...)
	started := time.Now()
	err = controller.LaunchApp(ctx, dev, h.settings.MaxAttempts)
	h.metrics.recordLaunch(dev, controller, time.Since(started))
	if err != nil {
		if errors.Is(err, spotify.ErrCredentials) {
			acct.Invalidate()
		}
		return fmt.Errorf("could not launch spotify on %s: %w", dev.FullName(), err)
	}

	if request.Uri == "" && !request.Transfer {
		return nil
	}
	api := h.webApis[acct.Name]
	target, err := api.WaitForDevice(ctx, dev.SpotifyDeviceId(), dev.Name)
	if err != nil {
		return err
	}
	if request.Uri != "" {
		return api.Play(ctx, string(target.ID), request.Uri)
	}
	return api.Transfer(ctx, string(target.ID), true)
}

// Stop stops the Spotify receiver on a device, whoever launched it.
func (h *Hub) Stop(ctx context.Context, deviceName string) error {
	acct, dev, err := h.lookup("", deviceName)
	if err != nil {
		return err
	}
	session, err := h.open(ctx, dev)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", dev.FullName(), err)
	}
	defer func() {
		_ = session.Close()
	}()
	controller := spotify.NewController(session, acct, spotify.WithLogger(h.logger))
	if err := controller.StopApp(dev); err != nil {
		return err
	}
	h.metrics.recordStop(dev)
	return nil
}

func (h *Hub) Devices() []types.DeviceConfig {
	return h.appConfig.Devices
}

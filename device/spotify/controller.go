package spotify

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"io"
	"net/http"
	"spotcast/types"
	"sync"
	"time"
)

const (
	DeviceAuthRefreshUrl = "https://spclient.wg.spotify.com/device-auth/v1/refresh"
	deviceAuthAuthority  = "spclient.wg.spotify.com"

	defaultPollInterval = 1 * time.Second
)

// Channel is the part of a cast connection the controller drives. Implementations deliver
// messages for Namespace to the handler given to Subscribe, one at a time. onLaunched is called
// once, with an error if the receiver refused to start the app.
type Channel interface {
	LaunchApp(appId string, onLaunched func(err error)) error
	StopApp() error
	SendMessage(namespace string, payload any) error
	Subscribe(namespace string, handler func(payload []byte) error)
}

type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

type State int

const (
	Idle State = iota
	Launching
	AwaitingDeviceInfo
	AwaitingUserAck
	Launched
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Launching:
		return "launching"
	case AwaitingDeviceInfo:
		return "awaiting_device_info"
	case AwaitingUserAck:
		return "awaiting_user_ack"
	case Launched:
		return "launched"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) isTerminal() bool {
	return s == Launched || s == Failed
}

type FailureReason int

const (
	NoFailure FailureReason = iota
	CredentialFailure
	TimeoutFailure
	RefreshFailure
	ProtocolFailure
)

func (r FailureReason) String() string {
	switch r {
	case NoFailure:
		return "none"
	case CredentialFailure:
		return "credential_error"
	case TimeoutFailure:
		return "timeout"
	case RefreshFailure:
		return "refresh_failed"
	case ProtocolFailure:
		return "protocol_error"
	default:
		return "unknown"
	}
}

type AuthMode int

const (
	// AuthDeviceRefresh exchanges the account's bearer token for a device-scoped access token.
	AuthDeviceRefresh AuthMode = iota
	// AuthBlob sends an encrypted credential blob, for receivers that announce a public key.
	AuthBlob
)

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithHttpClient(client *http.Client) Option {
	return func(c *Controller) { c.client = client }
}

func WithRefreshUrl(url string) Option {
	return func(c *Controller) { c.refreshUrl = url }
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *Controller) { c.pollInterval = interval }
}

// WithBlobAuth switches credential injection to an encrypted blob carrying username and the
// account's bearer token. random seeds the ephemeral key pair and may be nil.
func WithBlobAuth(username string, random io.Reader) Option {
	return func(c *Controller) {
		c.authMode = AuthBlob
		c.username = username
		if random != nil {
			c.random = random
		}
	}
}

// Controller drives the Spotify receiver handshake over one cast channel for one account. It
// is used for a single cast operation and then discarded.
type Controller struct {
	channel      Channel
	tokens       TokenSource
	client       *http.Client
	refreshUrl   string
	authMode     AuthMode
	username     string
	random       io.Reader
	pollInterval time.Duration
	after        func(time.Duration) <-chan time.Time
	logger       *zap.Logger

	mu              sync.Mutex
	state           State
	failure         FailureReason
	device          *types.DeviceConfig
	credentialError bool
	err             error
	done            chan struct{}
	signalOnce      *sync.Once
	launchCtx       context.Context // handlers run on the channel's goroutine and borrow the launch context
}

func NewController(channel Channel, tokens TokenSource, opts ...Option) *Controller {
	c := &Controller{
		channel:      channel,
		tokens:       tokens,
		client:       &http.Client{Timeout: 10 * time.Second},
		refreshUrl:   DeviceAuthRefreshUrl,
		authMode:     AuthDeviceRefresh,
		random:       rand.Reader,
		pollInterval: defaultPollInterval,
		after:        time.After,
		logger:       zap.NewNop(),
		state:        Idle,
		launchCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	channel.Subscribe(Namespace, c.HandleMessage)
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Failure() FailureReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *Controller) IsLaunched() bool {
	return c.State() == Launched
}

func (c *Controller) CredentialError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credentialError
}

// Device is the device the current launch is bound to, or nil.
func (c *Controller) Device() *types.DeviceConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// LaunchApp launches the Spotify receiver on device and blocks until it reports the user was
// added, the credentials were rejected, or maxAttempts poll ticks have passed. maxAttempts <= 0
// waits until ctx is done.
func (c *Controller) LaunchApp(ctx context.Context, device *types.DeviceConfig, maxAttempts int) error {
	c.mu.Lock()
	c.device = device
	c.state = Launching
	c.failure = NoFailure
	c.credentialError = false
	c.err = nil
	c.done = make(chan struct{})
	c.signalOnce = &sync.Once{}
	c.launchCtx = ctx
	done := c.done
	c.mu.Unlock()

	c.logger.Info("Launching spotify receiver", zap.String("device", device.Name), zap.String("ip", device.Ip))
	if err := c.channel.LaunchApp(AppId, c.onAppLaunched); err != nil {
		launchErr := &AppLaunchError{Err: err}
		c.fail(ProtocolFailure, launchErr)
		return launchErr
	}
	return c.waitForLaunch(ctx, done, maxAttempts)
}

func (c *Controller) StopApp(device *types.DeviceConfig) error {
	err := c.channel.StopApp()
	c.mu.Lock()
	c.state = Idle
	c.failure = NoFailure
	c.credentialError = false
	c.err = nil
	c.device = nil
	c.mu.Unlock()
	c.signal()
	if err != nil {
		return fmt.Errorf("could not stop spotify receiver on %s: %w", device.Name, err)
	}
	c.logger.Info("Stopped spotify receiver", zap.String("device", device.Name))
	return nil
}

func (c *Controller) waitForLaunch(ctx context.Context, done <-chan struct{}, maxAttempts int) error {
	attempts := 0
	for maxAttempts <= 0 || attempts < maxAttempts {
		select {
		case <-done:
			return c.result()
		case <-ctx.Done():
			err := &AppLaunchError{Attempts: attempts, Err: ctx.Err()}
			c.fail(TimeoutFailure, err)
			return err
		case <-c.after(c.pollInterval):
			attempts++
			c.logger.Debug("Waiting for spotify receiver", zap.Int("attempt", attempts), zap.Stringer("state", c.State()))
		}
	}
	select {
	case <-done:
		return c.result()
	default:
	}
	err := &AppLaunchError{Timeout: true, Attempts: attempts}
	c.fail(TimeoutFailure, err)
	return err
}

func (c *Controller) result() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == Launched:
		return nil
	case c.err != nil:
		return c.err
	case c.credentialError:
		return ErrCredentials
	default:
		return &AppLaunchError{Reason: "launch was interrupted in state " + c.state.String()}
	}
}

func (c *Controller) signal() {
	c.mu.Lock()
	once, done := c.signalOnce, c.done
	c.mu.Unlock()
	if once != nil {
		once.Do(func() { close(done) })
	}
}

// transition moves from one of the expected states to next, reporting whether it did.
func (c *Controller) transition(next State, from ...State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, state := range from {
		if c.state == state {
			c.state = next
			return true
		}
	}
	return false
}

func (c *Controller) fail(reason FailureReason, err error) {
	c.failIf(func(state State) bool { return !state.isTerminal() }, reason, err)
}

// failIf moves to Failed only when allowed accepts the current state.
func (c *Controller) failIf(allowed func(State) bool, reason FailureReason, err error) bool {
	c.mu.Lock()
	if !allowed(c.state) {
		c.mu.Unlock()
		return false
	}
	c.state = Failed
	c.failure = reason
	c.err = err
	if reason == CredentialFailure {
		c.credentialError = true
		c.device = nil
	}
	c.mu.Unlock()
	c.logger.Warn("Spotify receiver launch failed", zap.Error(err))
	c.signal()
	return true
}

func (c *Controller) decodeError(message incomingMessage) errorPayload {
	var details errorPayload
	if err := mapstructure.Decode(message.Payload, &details); err != nil {
		c.logger.Debug("Could not decode receiver error payload", zap.String("type", string(message.Type)), zap.Error(err))
	}
	return details
}

func (c *Controller) onAppLaunched(err error) {
	if err != nil {
		c.fail(ProtocolFailure, &AppLaunchError{Err: err})
		return
	}
	c.mu.Lock()
	device := c.device
	c.mu.Unlock()
	if device == nil || !c.transition(AwaitingDeviceInfo, Launching) {
		return
	}
	err = c.channel.SendMessage(Namespace, outgoingMessage{
		Type: TypeGetInfo,
		Payload: getInfoPayload{
			RemoteName: device.Name,
			DeviceId:   device.SpotifyDeviceId(),
			IsGroup:    false,
		},
	})
	if err != nil {
		c.fail(ProtocolFailure, &AppLaunchError{Err: fmt.Errorf("could not send getInfo: %w", err)})
	}
}

// HandleMessage processes one message from the receiver on the Spotify namespace.
func (c *Controller) HandleMessage(payload []byte) error {
	var message incomingMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		err = fmt.Errorf("could not unmarshal spotify receiver message: %w", err)
		c.fail(ProtocolFailure, err)
		return err
	}
	c.logger.Debug("Received spotify receiver message", zap.String("type", string(message.Type)))

	switch message.Type {
	case TypeGetInfoResponse:
		return c.handleGetInfoResponse(message.Payload)
	case TypeAddUserResponse:
		if c.transition(Launched, AwaitingUserAck) {
			c.logger.Info("Spotify receiver accepted user")
			c.signal()
		}
		return nil
	case TypeAddUserError:
		details := c.decodeError(message)
		err := fmt.Errorf("%w: error code %d %s", ErrCredentials, details.ErrorCode, details.Description)
		if !c.failIf(func(state State) bool { return state == AwaitingUserAck }, CredentialFailure, err) {
			c.logger.Debug("Ignoring addUserError outside of a launch", zap.Stringer("state", c.State()))
		}
		return nil
	case TypeTransferSuccess:
		c.logger.Info("Spotify receiver confirmed playback transfer")
		return nil
	case TypeTransferError:
		details := c.decodeError(message)
		c.logger.Warn("Spotify receiver reported playback transfer error",
			zap.Int("error_code", details.ErrorCode), zap.String("description", details.Description))
		return nil
	default:
		err := &UnknownMessageError{Type: string(message.Type)}
		c.fail(ProtocolFailure, err)
		return err
	}
}

func (c *Controller) handleGetInfoResponse(payload map[string]any) error {
	var info getInfoResponsePayload
	if err := mapstructure.Decode(payload, &info); err != nil {
		err = fmt.Errorf("could not decode getInfoResponse payload: %w", err)
		c.fail(ProtocolFailure, err)
		return err
	}
	if !c.transition(AwaitingUserAck, AwaitingDeviceInfo) {
		c.logger.Warn("Ignoring getInfoResponse outside of a launch", zap.Stringer("state", c.State()))
		return nil
	}
	c.mu.Lock()
	ctx := c.launchCtx
	c.mu.Unlock()

	addUser, err := c.buildAddUser(ctx, info)
	if err != nil {
		var keyErr *InvalidKeyError
		var launchErr *AppLaunchError
		switch {
		case errors.As(err, &keyErr):
			c.fail(ProtocolFailure, err)
		case errors.As(err, &launchErr):
			c.fail(RefreshFailure, err)
		default:
			c.fail(RefreshFailure, &AppLaunchError{Err: err})
		}
		return err
	}
	if err := c.channel.SendMessage(Namespace, outgoingMessage{Type: TypeAddUser, Payload: addUser}); err != nil {
		err = &AppLaunchError{Err: fmt.Errorf("could not send addUser: %w", err)}
		c.fail(ProtocolFailure, err)
		return err
	}
	return nil
}

func (c *Controller) buildAddUser(ctx context.Context, info getInfoResponsePayload) (*addUserPayload, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get bearer token for spotify account: %w", err)
	}
	switch c.authMode {
	case AuthBlob:
		builder, err := NewBlobBuilder(c.random)
		if err != nil {
			return nil, err
		}
		blob, err := builder.Build(NewCredentials(c.username, token.AccessToken, AuthTypeSpotifyToken), info.DeviceId, info.PublicKey)
		if err != nil {
			return nil, err
		}
		return &addUserPayload{
			Blob:      blob,
			TokenType: tokenTypeAccessToken,
			UserName:  c.username,
			ClientKey: builder.PublicKey(),
		}, nil
	default:
		accessToken, err := c.refreshDeviceAuth(ctx, token.AccessToken, info.ClientId, info.DeviceId)
		if err != nil {
			return nil, err
		}
		return &addUserPayload{Blob: accessToken, TokenType: tokenTypeAccessToken}, nil
	}
}

func (c *Controller) refreshDeviceAuth(ctx context.Context, bearer, clientId, deviceId string) (string, error) {
	body, err := json.Marshal(struct {
		ClientId string `json:"clientId"`
		DeviceId string `json:"deviceId"`
	}{ClientId: clientId, DeviceId: deviceId})
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshUrl, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("could not create device auth refresh request: %w", err)
	}
	request.Header.Set("authority", deviceAuthAuthority)
	request.Header.Set("authorization", "Bearer "+bearer)
	request.Header.Set("content-type", "text/plain;charset=UTF-8")

	response, err := c.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("could not call device auth refresh: %w", err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(response.Body)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", &AppLaunchError{StatusCode: response.StatusCode, Reason: http.StatusText(response.StatusCode)}
	}
	var refreshed struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(response.Body).Decode(&refreshed); err != nil {
		return "", fmt.Errorf("could not decode device auth refresh response: %w", err)
	}
	if refreshed.AccessToken == "" {
		return "", errors.New("device auth refresh response did not contain an access token")
	}
	return refreshed.AccessToken, nil
}

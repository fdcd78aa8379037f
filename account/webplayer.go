package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const WebPlayerBaseUrl = "https://open.spotify.com"

// ErrAnonymousToken means the token endpoint did not recognise the account cookies.
var ErrAnonymousToken = errors.New("spotify returned an anonymous token, the sp_dc cookie is probably expired")

// WebPlayerClient fetches web-player bearer tokens using an account's browser cookies.
type WebPlayerClient struct {
	baseUrl string
	spDc    string
	spKey   string
	totp    *TOTP
	client  *http.Client
	now     func() time.Time
	logger  *zap.Logger
}

type tokenResponse struct {
	AccessToken                      string `json:"accessToken"`
	AccessTokenExpirationTimestampMs int64  `json:"accessTokenExpirationTimestampMs"`
	IsAnonymous                      bool   `json:"isAnonymous"`
	ClientId                         string `json:"clientId"`
}

func NewWebPlayerClient(baseUrl, spDc, spKey string, client *http.Client, logger *zap.Logger) (*WebPlayerClient, error) {
	generator, err := NewTOTP()
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebPlayerClient{
		baseUrl: baseUrl,
		spDc:    spDc,
		spKey:   spKey,
		totp:    generator,
		client:  client,
		now:     time.Now,
		logger:  logger,
	}, nil
}

func (wp *WebPlayerClient) applyHeadersTo(request *http.Request) {
	request.Header.Set("Accept", "application/json")
	request.Header.Set("App-Platform", "WebPlayer")
	request.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36")
	request.AddCookie(&http.Cookie{Name: "sp_dc", Value: wp.spDc})
	if wp.spKey != "" {
		request.AddCookie(&http.Cookie{Name: "sp_key", Value: wp.spKey})
	}
}

func (wp *WebPlayerClient) getJson(ctx context.Context, path string, query url.Values, into any) error {
	target := wp.baseUrl + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("could not create request for %s: %w", path, err)
	}
	wp.applyHeadersTo(request)
	response, err := wp.client.Do(request)
	if err != nil {
		return fmt.Errorf("could not call %s: %w", path, err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(response.Body)
	if response.StatusCode != http.StatusOK {
		return errors.New("expected status code 200 from " + path + ", got " + strconv.Itoa(response.StatusCode))
	}
	if err := json.NewDecoder(response.Body).Decode(into); err != nil {
		return fmt.Errorf("could not unmarshal response from %s as JSON: %w", path, err)
	}
	return nil
}

func (wp *WebPlayerClient) ServerTime(ctx context.Context) (time.Time, error) {
	var serverTime struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := wp.getJson(ctx, "/api/server-time", nil, &serverTime); err != nil {
		return time.Time{}, err
	}
	if serverTime.ServerTime <= 0 {
		return time.Time{}, errors.New("server time response did not contain a time")
	}
	return time.Unix(serverTime.ServerTime, 0), nil
}

// FetchToken requests a fresh bearer token, proving knowledge of the client secret with one code
// for the local clock and one for the server's.
func (wp *WebPlayerClient) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	serverTime, err := wp.ServerTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get spotify server time: %w", err)
	}
	localCode, err := wp.totp.Code(wp.now())
	if err != nil {
		return nil, err
	}
	serverCode, err := wp.totp.Code(serverTime)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("reason", "init")
	query.Set("productType", "web-player")
	query.Set("totp", localCode)
	query.Set("totpServer", serverCode)
	query.Set("totpVer", strconv.Itoa(TotpVersion))

	var response tokenResponse
	if err := wp.getJson(ctx, "/api/token", query, &response); err != nil {
		return nil, fmt.Errorf("could not fetch web player token: %w", err)
	}
	if response.IsAnonymous {
		return nil, ErrAnonymousToken
	}
	if response.AccessToken == "" {
		return nil, errors.New("web player token response did not contain an access token")
	}
	wp.logger.Debug("Fetched web player token",
		zap.String("client_id", response.ClientId),
		zap.Int64("expires_ms", response.AccessTokenExpirationTimestampMs))
	return &oauth2.Token{
		AccessToken: response.AccessToken,
		TokenType:   "Bearer",
		Expiry:      time.UnixMilli(response.AccessTokenExpirationTimestampMs),
	}, nil
}

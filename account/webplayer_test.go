package account

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"
)

type fakeWebPlayer struct {
	t          *testing.T
	serverTime int64
	anonymous  bool
	status     int
	mu         sync.Mutex
	queries    []url.Values
	cookies    map[string]string
}

func createFakeWebPlayer(t *testing.T, player *fakeWebPlayer) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/server-time", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, err := writer.Write([]byte(`{"serverTime":` + strconv.FormatInt(player.serverTime, 10) + `}`))
		assert.NoError(t, err)
	})
	mux.HandleFunc("GET /api/token", player.handleToken)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func (p *fakeWebPlayer) handleToken(writer http.ResponseWriter, request *http.Request) {
	p.mu.Lock()
	p.queries = append(p.queries, request.URL.Query())
	p.cookies = map[string]string{}
	for _, cookie := range request.Cookies() {
		p.cookies[cookie.Name] = cookie.Value
	}
	p.mu.Unlock()
	if p.status != 0 {
		writer.WriteHeader(p.status)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	_, err := writer.Write([]byte(`{"clientId":"web","accessToken":"BQD-web","accessTokenExpirationTimestampMs":1700003600000,"isAnonymous":` +
		strconv.FormatBool(p.anonymous) + `}`))
	assert.NoError(p.t, err)
}

func TestFetchTokenSendsCookiesAndCodes(t *testing.T) {
	player := &fakeWebPlayer{t: t, serverTime: 1700000000}
	server := createFakeWebPlayer(t, player)
	client, err := NewWebPlayerClient(server.URL, "dc-cookie", "key-cookie", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	client.now = func() time.Time { return time.Unix(59, 0) }

	token, err := client.FetchToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BQD-web", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, time.UnixMilli(1700003600000), token.Expiry)

	require.Len(t, player.queries, 1)
	query := player.queries[0]
	assert.Equal(t, "init", query.Get("reason"))
	assert.Equal(t, "web-player", query.Get("productType"))
	assert.Equal(t, "011985", query.Get("totp"))
	assert.Equal(t, "863172", query.Get("totpServer"))
	assert.Equal(t, "5", query.Get("totpVer"))
	assert.Equal(t, map[string]string{"sp_dc": "dc-cookie", "sp_key": "key-cookie"}, player.cookies)
}

func TestFetchTokenRejectsAnonymousTokens(t *testing.T) {
	player := &fakeWebPlayer{t: t, serverTime: 1700000000, anonymous: true}
	server := createFakeWebPlayer(t, player)
	client, err := NewWebPlayerClient(server.URL, "stale", "", nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.FetchToken(context.Background())
	assert.True(t, errors.Is(err, ErrAnonymousToken))
	assert.Equal(t, map[string]string{"sp_dc": "stale"}, player.cookies)
}

func TestFetchTokenReportsStatusCode(t *testing.T) {
	player := &fakeWebPlayer{t: t, serverTime: 1700000000, status: http.StatusUnauthorized}
	server := createFakeWebPlayer(t, player)
	client, err := NewWebPlayerClient(server.URL, "dc", "", nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = client.FetchToken(context.Background())
	assert.ErrorContains(t, err, "expected status code 200 from /api/token, got 401")
}

func TestServerTime(t *testing.T) {
	player := &fakeWebPlayer{t: t, serverTime: 1712345678}
	server := createFakeWebPlayer(t, player)
	client, err := NewWebPlayerClient(server.URL, "dc", "", nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	serverTime, err := client.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1712345678), serverTime.Unix())
}

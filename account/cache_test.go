package account

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"spotcast/config"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	expiry  time.Time
	err     error
}

func (f *countingFetcher) FetchToken(context.Context) (*oauth2.Token, error) {
	call := f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: "token-" + strconv.Itoa(int(call)), Expiry: f.expiry}, nil
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	fetcher := &countingFetcher{release: make(chan struct{}), expiry: time.Now().Add(time.Hour)}
	cache := NewTokenCache(fetcher, nil)

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := cache.Token(context.Background())
			assert.NoError(t, err)
			if token != nil {
				tokens[i] = token.AccessToken
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for _, token := range tokens {
		assert.Equal(t, "token-1", token)
	}
}

func TestTokenIsRefreshedNearExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	fetcher := &countingFetcher{expiry: now.Add(10 * time.Minute)}
	cache := NewTokenCache(fetcher, nil)
	cache.now = func() time.Time { return now }

	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.AccessToken)

	now = now.Add(8 * time.Minute)
	token, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.AccessToken)

	now = now.Add(90 * time.Second)
	token, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token.AccessToken)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	fetcher := &countingFetcher{}
	cache := NewTokenCache(fetcher, nil)
	_, err := cache.Token(context.Background())
	require.NoError(t, err)
	cache.Invalidate()
	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token.AccessToken)
}

func TestRefreshFailureIsReportedAndNotCached(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("cookie expired")}
	var outcomes []error
	cache := NewTokenCache(fetcher, func(err error) { outcomes = append(outcomes, err) })

	_, err := cache.Token(context.Background())
	assert.ErrorContains(t, err, "cookie expired")
	fetcher.err = nil
	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token.AccessToken)
	require.Len(t, outcomes, 2)
	assert.Error(t, outcomes[0])
	assert.NoError(t, outcomes[1])
}

func TestAccountTokenSource(t *testing.T) {
	fetcher := &countingFetcher{}
	a := FromFetcher(&config.AccountCredentials{Name: "me", Username: "bob"}, fetcher, nil)
	token, err := a.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "token-1", token.AccessToken)
	assert.Equal(t, "me", a.Name)
}

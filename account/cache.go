package account

import (
	"context"
	"errors"
	"fmt"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"sync"
	"time"
)

// expiryMargin keeps a token from being handed out moments before it expires.
const expiryMargin = 60 * time.Second

type TokenFetcher interface {
	FetchToken(ctx context.Context) (*oauth2.Token, error)
}

type TokenFetcherFunc func(ctx context.Context) (*oauth2.Token, error)

func (f TokenFetcherFunc) FetchToken(ctx context.Context) (*oauth2.Token, error) {
	return f(ctx)
}

// TokenCache holds one account's bearer token. At most one refresh runs at a time; callers that
// arrive during a refresh wait for it and share its result.
type TokenCache struct {
	fetcher   TokenFetcher
	now       func() time.Time
	onRefresh func(err error)

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group
}

func NewTokenCache(fetcher TokenFetcher, onRefresh func(err error)) *TokenCache {
	if onRefresh == nil {
		onRefresh = func(error) {}
	}
	return &TokenCache{fetcher: fetcher, now: time.Now, onRefresh: onRefresh}
}

func (tc *TokenCache) cached() *oauth2.Token {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.token == nil || tc.token.AccessToken == "" {
		return nil
	}
	if !tc.token.Expiry.IsZero() && !tc.now().Add(expiryMargin).Before(tc.token.Expiry) {
		return nil
	}
	return tc.token
}

func (tc *TokenCache) Token(ctx context.Context) (*oauth2.Token, error) {
	if token := tc.cached(); token != nil {
		return token, nil
	}
	result, err, _ := tc.group.Do("token", func() (interface{}, error) {
		if token := tc.cached(); token != nil {
			return token, nil
		}
		// Detached so one caller giving up does not fail everyone sharing the refresh.
		token, err := tc.fetcher.FetchToken(context.WithoutCancel(ctx))
		tc.onRefresh(err)
		if err != nil {
			return nil, err
		}
		tc.mu.Lock()
		tc.token = token
		tc.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not refresh spotify token: %w", err)
	}
	token, ok := result.(*oauth2.Token)
	if !ok {
		return nil, errors.New("token refresh returned an unexpected result")
	}
	return token, nil
}

// Invalidate drops the cached token, e.g. after Spotify rejected it.
func (tc *TokenCache) Invalidate() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.token = nil
}

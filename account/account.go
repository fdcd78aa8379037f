package account

import (
	"context"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"net/http"
	"spotcast/config"
)

// Account is one configured Spotify account and its token cache. It is shared by every cast to
// that account.
type Account struct {
	Name     string
	Username string
	BlobAuth bool
	tokens   *TokenCache
}

func NewAccount(credentials *config.AccountCredentials, baseUrl string, client *http.Client, logger *zap.Logger, onRefresh func(err error)) (*Account, error) {
	webPlayer, err := NewWebPlayerClient(baseUrl, credentials.SpDc, credentials.SpKey, client, logger.With(zap.String("account", credentials.Name)))
	if err != nil {
		return nil, err
	}
	return FromFetcher(credentials, webPlayer, onRefresh), nil
}

func FromFetcher(credentials *config.AccountCredentials, fetcher TokenFetcher, onRefresh func(err error)) *Account {
	return &Account{
		Name:     credentials.Name,
		Username: credentials.Username,
		BlobAuth: credentials.BlobAuth,
		tokens:   NewTokenCache(fetcher, onRefresh),
	}
}

func (a *Account) Token(ctx context.Context) (*oauth2.Token, error) {
	return a.tokens.Token(ctx)
}

func (a *Account) Invalidate() {
	a.tokens.Invalidate()
}

// TokenSource adapts the account to oauth2 so it can back a Web API client.
func (a *Account) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &contextTokenSource{ctx: ctx, account: a}
}

type contextTokenSource struct {
	ctx     context.Context
	account *Account
}

func (s *contextTokenSource) Token() (*oauth2.Token, error) {
	return s.account.Token(s.ctx)
}

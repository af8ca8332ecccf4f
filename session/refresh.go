package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// TokenRefresher yields a fresh access token or an error matching ErrSessionExpired.
type TokenRefresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Refresher exchanges the stored refresh token for a new access token. It
// talks to the refresh endpoint directly and never through the Gateway, so a
// rejected refresh can not trigger another refresh.
type Refresher struct {
	baseURL string
	store   *Store
	expire  func(ctx context.Context, cause error)
	opts    options
	group   singleflight.Group
}

var _ TokenRefresher = (*Refresher)(nil)

// NewRefresher builds a Refresher. expire is called once per failed exchange
// and must tear the session down.
func NewRefresher(
	baseURL string,
	store *Store,
	expire func(ctx context.Context, cause error),
	opts ...Option,
) *Refresher {
	return &Refresher{
		baseURL: strings.TrimRight(baseURL, "/"),
		store:   store,
		expire:  expire,
		opts:    newOptions(opts),
	}
}

// Refresh returns a new access token. Any failure tears the session down and
// returns an *ExpiredError. Concurrent callers holding the same refresh
// token share one exchange unless single-flight is disabled.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	if r.baseURL == "" {
		return "", r.fail(ctx, ErrMissingBaseURL)
	}

	refreshToken, err := r.store.RefreshToken(ctx)
	if err != nil {
		return "", r.fail(ctx, fmt.Errorf("failed to read refresh token: %w", err))
	}
	if refreshToken == "" {
		return "", r.fail(ctx, ErrMissingRefreshToken)
	}

	if !r.opts.singleFlight {
		return r.exchange(ctx, refreshToken)
	}

	// The shared exchange must outlive a single caller giving up
	ch := r.group.DoChan(refreshToken, func() (any, error) {
		return r.exchange(context.WithoutCancel(ctx), refreshToken)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			r.opts.log.Debug().Msg("joined in-flight token refresh")
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// exchange performs exactly one POST to the refresh endpoint.
func (r *Refresher) exchange(ctx context.Context, refreshToken string) (string, error) {
	r.opts.events.Refreshing()
	reqCtx, cancel := context.WithTimeout(ctx, r.opts.refreshTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return "", r.fail(ctx, err)
	}

	endpoint := r.baseURL + "/auth/refresh-token"
	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		endpoint,
		bytes.NewReader(payload),
	)
	if err != nil {
		return "", r.fail(ctx, fmt.Errorf("failed to create refresh request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.opts.httpClient.Do(req)
	if err != nil {
		// The caller giving up says nothing about the refresh token
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", r.fail(ctx, &TransportError{Method: http.MethodPost, URL: endpoint, Err: err})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", r.fail(ctx, fmt.Errorf("failed to read refresh response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", r.fail(ctx, &oauth2.RetrieveError{
			Response: resp,
			Body:     body,
		})
	}

	var tokenResp struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", r.fail(ctx, fmt.Errorf("failed to parse refresh response: %w", err))
	}
	if tokenResp.AccessToken == "" {
		return "", r.fail(ctx, errors.New("refresh response carried no access token"))
	}

	// Fixed mode keeps the refresh token; rotation mode replaces it
	if tokenResp.RefreshToken != "" && tokenResp.RefreshToken != refreshToken {
		err = r.store.SetTokens(ctx, tokenResp.AccessToken, tokenResp.RefreshToken)
	} else {
		err = r.store.SetAccessToken(ctx, tokenResp.AccessToken)
	}
	if err != nil {
		// The caller can still retry with the token it gets back
		r.opts.log.Warn().Err(err).Msg("failed to persist refreshed access token")
	}

	r.opts.metrics.refresh("success")
	r.opts.events.RefreshOK()
	r.opts.log.Debug().Msg("access token refreshed")
	return tokenResp.AccessToken, nil
}

func (r *Refresher) fail(ctx context.Context, cause error) error {
	r.opts.metrics.refresh("failure")
	r.opts.events.RefreshFailed(cause)
	r.opts.log.Info().Err(cause).Msg("token refresh failed, ending session")
	if r.expire != nil {
		r.expire(context.WithoutCancel(ctx), cause)
	}
	return &ExpiredError{Cause: cause}
}

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

type apiUser struct {
	ID             string          `json:"id"`
	LinkedAccounts []linkedAccount `json:"linked_accounts"`
}

type linkedAccount struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Picture string `json:"picture"`
	// absent: unknown, null: not verified, timestamp: verified
	VerifiedAt json.RawMessage `json:"verified_at"`
}

func (u apiUser) profile() *Profile {
	p := &Profile{}
	for _, a := range u.LinkedAccounts {
		switch a.Type {
		case "email":
			p.Email = a.Address
			if len(a.VerifiedAt) > 0 {
				verified := string(a.VerifiedAt) != "null"
				p.EmailVerified = &verified
			}
		case "google_oauth":
			p.DisplayName = a.Name
			p.ProviderSubjectID = a.Subject
			p.PictureURL = a.Picture
			if p.Email == "" {
				p.Email = a.Email
			}
		}
	}
	return p
}

// FetchProfile loads a user from the provider API. Transport errors and 5xx
// answers are retried until the client timeout; a 404 is returned as
// ErrNotFound straight away.
func (c *Client) FetchProfile(ctx context.Context, userID string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.cb.Execute(func() (any, error) {
		return c.fetchWithRetry(ctx, userID)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnavailable):
			return nil, err
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			c.logger.Warnw("identity api circuit open", "user_id", userID)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		default:
			// retries exhausted or timed out
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return res.(*Profile), nil
}

func (c *Client) fetchWithRetry(ctx context.Context, userID string) (*Profile, error) {
	endpoint := c.cfg.APIURL + "/api/v1/users/" + url.PathEscape(userID)

	op := func() (*Profile, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.SetBasicAuth(c.cfg.AppID, c.cfg.AppSecret)
		req.Header.Set("privy-app-id", c.cfg.AppID)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(ErrNotFound)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("identity api status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return nil, backoff.Permanent(fmt.Errorf("%w: identity api status %d", ErrUnavailable, resp.StatusCode))
		}

		var u apiUser
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&u); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: decode user: %v", ErrUnavailable, err))
		}
		return u.profile(), nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.cfg.Timeout
	return backoff.RetryWithData(op, backoff.WithContext(b, ctx))
}

package transfer

import (
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// RequestHook customizes an outgoing request before it is sent. Hooks run in
// order after the default headers and basic auth are applied.
type RequestHook func(*http.Request) error

// Header sets a fixed header on every request.
func Header(key, value string) RequestHook {
	return func(r *http.Request) error {
		r.Header.Set(key, value)

		return nil
	}
}

// BearerToken authorizes requests with a token from ts.
func BearerToken(ts oauth2.TokenSource) RequestHook {
	return func(r *http.Request) error {
		tok, err := ts.Token()
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}

		tok.SetAuthHeader(r)

		return nil
	}
}

// StaticBearerToken is BearerToken over a fixed access token.
func StaticBearerToken(token string) RequestHook {
	return BearerToken(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
}

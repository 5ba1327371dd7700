package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrAuthentication is returned when the server rejected the credential.
	ErrAuthentication = errors.New("authentication failed")
	// ErrReauthenticate means the auth failure cap was reached; a fresh credential is needed.
	ErrReauthenticate = fmt.Errorf("%w: too many failures, sign in again", ErrAuthentication)
	ErrTransport      = errors.New("transport error")
	ErrNoCredential   = errors.New("no credential available")
	ErrClosed         = errors.New("channel closed")
)

var authMarkers = []string{"unauthorized", "401", "403", "forbidden", "token", "authentication"}

// isAuthError classifies a dial failure. The handshake status is checked first,
// then the error text.
func isAuthError(err error, resp *http.Response) bool {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

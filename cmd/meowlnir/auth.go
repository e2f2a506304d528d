package main

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"maunium.net/go/mautrix"

	"github.com/hazelmoon/warden/util"
)

func disabledAPI(w http.ResponseWriter, r *http.Request) {
	mautrix.MUnknownToken.WithMessage("This API is disabled").Write(w)
}

// SecretAuth gates a handler behind a single shared-secret bearer token,
// hashed the same way the config loader hashes it on disk.
func SecretAuth(secret *[32]byte) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == nil {
			return http.HandlerFunc(disabledAPI)
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHash := util.SHA256String(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if !hmac.Equal(authHash[:], secret[:]) {
				mautrix.MUnknownToken.WithMessage("Invalid authorization token").Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

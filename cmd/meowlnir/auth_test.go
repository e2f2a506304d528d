package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazelmoon/warden/util"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecretAuth_NilSecretDisablesAPI(t *testing.T) {
	mw := SecretAuth(nil)
	req := httptest.NewRequest(http.MethodPost, "/v3/users/@user:example.org/report", nil)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatal("expected a disabled API to never reach the wrapped handler")
	}
}

func TestSecretAuth_RejectsMissingOrWrongToken(t *testing.T) {
	secret := util.SHA256String("correct-secret")
	mw := SecretAuth(&secret)

	req := httptest.NewRequest(http.MethodPost, "/v3/users/@user:example.org/report", nil)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatal("expected request without an Authorization header to be rejected")
	}

	req = httptest.NewRequest(http.MethodPost, "/v3/users/@user:example.org/report", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec = httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatal("expected request with the wrong bearer token to be rejected")
	}
}

func TestSecretAuth_AcceptsCorrectToken(t *testing.T) {
	secret := util.SHA256String("correct-secret")
	mw := SecretAuth(&secret)

	req := httptest.NewRequest(http.MethodPost, "/v3/users/@user:example.org/report", nil)
	req.Header.Set("Authorization", "Bearer correct-secret")
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the correct bearer token to reach the wrapped handler, got status %d", rec.Code)
	}
}

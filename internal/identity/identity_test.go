package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTVerifierRoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret", "sidebarassist")
	token, err := v.Sign("acc-42", time.Hour)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	accountID, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if accountID != "acc-42" {
		t.Fatalf("unexpected account id: %s", accountID)
	}
}

func TestJWTVerifierRejectsExpired(t *testing.T) {
	v := NewJWTVerifier("secret", "sidebarassist")
	token, err := v.Sign("acc-42", -time.Minute)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTVerifierRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTVerifier("secret-a", "sidebarassist").Sign("acc-42", time.Hour)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := NewJWTVerifier("secret-b", "sidebarassist").Verify(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestGoogleVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"id":"1234567890","email":"u@example.com","verified_email":true}`)
	}))
	defer srv.Close()

	v := NewGoogleVerifierWithEndpoint(srv.URL)
	accountID, err := v.Verify(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if accountID != "google:1234567890" {
		t.Fatalf("unexpected account id: %s", accountID)
	}

	if _, err := v.Verify(context.Background(), "bad-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

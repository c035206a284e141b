package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier resolves a bearer credential to a stable account identifier.
type Verifier interface {
	Verify(ctx context.Context, token string) (accountID string, err error)
}

// JWTVerifier accepts HS256 tokens signed with a shared secret. The subject
// claim is the account id.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("JWT secret key not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Sign mints a token for the given account id. Used by tests and by the
// companion session service that issues extension tokens.
func (v *JWTVerifier) Sign(accountID string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("JWT secret key not configured")
	}
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
}

// GoogleVerifier treats the bearer credential as a Google OAuth access token
// and resolves it through the userinfo endpoint. The stable Google user id
// becomes the account id.
type GoogleVerifier struct {
	userInfoURL string
}

func NewGoogleVerifier() *GoogleVerifier {
	return &GoogleVerifier{userInfoURL: googleUserInfoURL}
}

// NewGoogleVerifierWithEndpoint points the verifier at an alternate userinfo
// endpoint, for tests.
func NewGoogleVerifierWithEndpoint(url string) *GoogleVerifier {
	return &GoogleVerifier{userInfoURL: url}
}

func (v *GoogleVerifier) Verify(ctx context.Context, accessToken string) (string, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	client := oauth2.NewClient(ctx, src)
	client.Timeout = 10 * time.Second

	resp, err := client.Get(v.userInfoURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrInvalidToken
	}
	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.ID == "" || !info.VerifiedEmail {
		return "", ErrInvalidToken
	}
	return "google:" + info.ID, nil
}

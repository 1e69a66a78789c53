// Package auth mints the service assertion and exchanges it for session
// credentials, per spec §4.5: a signed JWT traded at the provider's token
// endpoint for a short-lived (session, secret) pair.
package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// grantType is the OAuth2 JWT-bearer grant the provider expects.
const grantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

const assertionTTL = time.Hour

// Config names the provider/application this node authenticates as.
type Config struct {
	AuthURL      string // token endpoint base URL
	Provider     string // provider registry id, used as JWT issuer
	Application  string // application registry id, used as JWT audience
	ProviderSecret []byte // HMAC secret backing the assertion; read from the oauth2 credentials file
}

// Exchange holds the credentials a successful token exchange returns.
type Exchange struct {
	Session string
	Secret  string
}

// LoadProviderSecret reads the HMAC secret named by the oauth2 config path.
// The file format is a single opaque secret value; trailing whitespace is
// trimmed. The contents are never logged.
func LoadProviderSecret(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read oauth2 credentials file %q", path)
	}
	return []byte(strings.TrimSpace(string(raw))), nil
}

// MintAssertion builds and signs the HS256 service assertion: issuer,
// audience, issued-at, and a 1-hour expiry, per §4.5.
func MintAssertion(cfg Config, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    cfg.Provider,
		Audience:  jwt.ClaimStrings{cfg.Application},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.ProviderSecret)
	if err != nil {
		return "", errors.Wrap(err, "sign service assertion")
	}
	return signed, nil
}

// DoExchange posts the assertion to the provider's token endpoint and parses
// out the session/secret pair. The caller is responsible for scheduling
// the next exchange 5 minutes before assertionTTL elapses (§4.5).
func DoExchange(ctx context.Context, client *http.Client, authURL, assertion string) (Exchange, error) {
	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Exchange{}, errors.Wrap(err, "build token exchange request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return Exchange{}, errors.Wrap(err, "token exchange request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Exchange{}, errors.Wrap(err, "read token exchange response")
	}

	if resp.StatusCode != http.StatusOK {
		return Exchange{}, errors.Errorf("token exchange returned HTTP %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Session string `json:"session"`
		Secret  string `json:"secret"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Exchange{}, errors.Wrap(err, "decode token exchange response")
	}
	if parsed.Session == "" || parsed.Secret == "" {
		return Exchange{}, errors.New("token exchange response missing session or secret")
	}
	return Exchange{Session: parsed.Session, Secret: parsed.Secret}, nil
}

// Authorize is the convenience entry point the Controller's heartbeat calls
// on entering the Authorization status: mint the assertion, exchange it.
func Authorize(ctx context.Context, client *http.Client, cfg Config, now time.Time) (Exchange, error) {
	assertion, err := MintAssertion(cfg, now)
	if err != nil {
		return Exchange{}, err
	}
	return DoExchange(ctx, client, cfg.AuthURL, assertion)
}

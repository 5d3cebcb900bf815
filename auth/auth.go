// Package auth authenticates API callers with Frappe-style API key/secret pairs.
//
// Clients send "Authorization: token <api_key>:<api_secret>"; "Bearer" and
// HTTP Basic with the same pair are accepted too. Secrets are stored as bcrypt hashes.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/petal-labs/frappemcp/session"
)

var (
	// ErrMissingCredentials is returned when a request carries no credentials
	// and guest access is disabled.
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidCredentials is returned for malformed, unknown or wrong credentials.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Credential is an API key/secret pair.
type Credential struct {
	APIKey    string
	APISecret string
}

// ParseAuthorization parses an Authorization header value.
func ParseAuthorization(header string) (Credential, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Credential{}, ErrMissingCredentials
	}
	scheme, value, ok := strings.Cut(header, " ")
	if !ok {
		return Credential{}, fmt.Errorf("%w: malformed authorization header", ErrInvalidCredentials)
	}
	value = strings.TrimSpace(value)

	var pair string
	switch strings.ToLower(scheme) {
	case "token", "bearer":
		pair = value
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: malformed basic credentials", ErrInvalidCredentials)
		}
		pair = string(decoded)
	default:
		return Credential{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidCredentials, scheme)
	}

	key, secret, ok := strings.Cut(pair, ":")
	if !ok || key == "" || secret == "" {
		return Credential{}, fmt.Errorf("%w: expected <api_key>:<api_secret>", ErrInvalidCredentials)
	}
	return Credential{APIKey: key, APISecret: secret}, nil
}

// HashSecret returns the bcrypt hash stored for an API secret. A cost of zero
// uses bcrypt.DefaultCost.
func HashSecret(secret string, cost int) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth: secret must not be empty")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	return string(hash), nil
}

// Account maps an API key to the user it authenticates.
type Account struct {
	User       session.User
	APIKey     string
	SecretHash string
}

// Config configures an Authenticator.
type Config struct {
	Accounts []Account
	// AllowGuest lets requests without credentials through as session.Guest.
	AllowGuest bool
}

// Authenticator resolves requests to users.
type Authenticator struct {
	accounts   map[string]Account
	allowGuest bool
	// dummyHash keeps the cost of rejecting unknown keys close to a real comparison.
	dummyHash []byte
}

// NewAuthenticator validates accounts and builds an Authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	a := &Authenticator{
		accounts:   make(map[string]Account, len(cfg.Accounts)),
		allowGuest: cfg.AllowGuest,
	}
	cost := bcrypt.MinCost
	for i, account := range cfg.Accounts {
		key := strings.TrimSpace(account.APIKey)
		if key == "" {
			return nil, fmt.Errorf("auth: accounts[%d]: api key is required", i)
		}
		if strings.TrimSpace(account.User.Name) == "" {
			return nil, fmt.Errorf("auth: account %q: user name is required", key)
		}
		if _, dup := a.accounts[key]; dup {
			return nil, fmt.Errorf("auth: duplicate api key %q", key)
		}
		hashCost, err := bcrypt.Cost([]byte(account.SecretHash))
		if err != nil {
			return nil, fmt.Errorf("auth: account %q: invalid secret hash: %w", key, err)
		}
		cost = max(cost, hashCost)
		account.APIKey = key
		a.accounts[key] = account
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("frappemcp-unknown-key"), cost)
	if err != nil {
		return nil, fmt.Errorf("auth: prepare: %w", err)
	}
	a.dummyHash = dummy
	return a, nil
}

// AllowsGuest reports whether unauthenticated requests are accepted.
func (a *Authenticator) AllowsGuest() bool { return a.allowGuest }

// Authenticate resolves the caller of r.
func (a *Authenticator) Authenticate(r *http.Request) (session.User, error) {
	header := r.Header.Get("Authorization")
	if strings.TrimSpace(header) == "" {
		if a.allowGuest {
			return session.Guest, nil
		}
		return session.User{}, ErrMissingCredentials
	}
	cred, err := ParseAuthorization(header)
	if err != nil {
		return session.User{}, err
	}
	return a.Verify(cred)
}

// Verify checks a credential against the configured accounts.
func (a *Authenticator) Verify(cred Credential) (session.User, error) {
	account, ok := a.accounts[cred.APIKey]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(a.dummyHash, []byte(cred.APISecret))
		return session.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.SecretHash), []byte(cred.APISecret)); err != nil {
		return session.User{}, ErrInvalidCredentials
	}
	return account.User, nil
}

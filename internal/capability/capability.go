// Package capability issues, verifies and revokes per-app capability
// tokens. Tokens are HS256-signed bearer credentials scoped to the process
// lifetime: the signing key is generated at startup and never leaves the
// service, so a restart invalidates everything outstanding.
package capability

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// The closed set of capability identifiers.
const (
	CapUIWindow       = "ui:window"
	CapStorageLocal   = "storage:local"
	CapTimerBasic     = "timer:basic"
	CapClipboardRW    = "clipboard:rw"
	CapNetworkHTTP    = "network:http"
	CapProcessBG      = "process:background"
	CapProcessNetwork = "process:network"
	CapProcessVolume  = "process:volume"
	CapAPIAnthropic   = "api:anthropic"
)

// TokenType is the constant typ header of every capability token.
const TokenType = "LLMOS-CAP"

// DefaultTTL is the token lifetime applied on grant.
const DefaultTTL = 4 * time.Hour

var validCaps = map[string]bool{
	CapUIWindow:       true,
	CapStorageLocal:   true,
	CapTimerBasic:     true,
	CapClipboardRW:    true,
	CapNetworkHTTP:    true,
	CapProcessBG:      true,
	CapProcessNetwork: true,
	CapProcessVolume:  true,
	CapAPIAnthropic:   true,
}

// IsValid reports whether cap is a member of the closed capability set.
func IsValid(cap string) bool { return validCaps[cap] }

// Payload is the decoded body of a verified token.
type Payload struct {
	AppID string `json:"app_id"`
	Cap   string `json:"cap"`
	Exp   int64  `json:"exp"`
	Nonce string `json:"nonce"`
}

// Verification is the outcome of Verify. Error is one of: malformed,
// invalid_signature, invalid_payload, expired, revoked, no_key.
type Verification struct {
	Valid   bool     `json:"valid"`
	Payload *Payload `json:"payload,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Grant is the result of granting capabilities to an app: the accepted
// subset and one signed token per capability.
type Grant struct {
	Capabilities []string          `json:"capabilities"`
	Tokens       map[string]string `json:"tokens"`
}

// Service owns the signing key, the per-app grant whitelist, the issued
// token index and the revocation set.
type Service struct {
	mu      sync.RWMutex
	key     []byte
	ttl     time.Duration
	granted map[string]map[string]bool
	issued  map[string][]string
	revoked map[string]bool
}

func NewService() *Service {
	return &Service{
		ttl:     DefaultTTL,
		granted: make(map[string]map[string]bool),
		issued:  make(map[string][]string),
		revoked: make(map[string]bool),
	}
}

// InitKey generates the process-local HMAC-SHA256 key. Must be called once
// at startup, before any grant.
func (s *Service) InitKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		return errors.New("capability key already initialized")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating capability key: %w", err)
	}
	s.key = key
	return nil
}

// Grant intersects the requested capabilities with the valid set, records
// them in the whitelist and signs one token per capability.
func (s *Service) Grant(appID string, requested []string) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		return nil, errors.New("capability key not initialized")
	}

	accepted := make([]string, 0, len(requested))
	seen := make(map[string]bool)
	for _, cap := range requested {
		if !validCaps[cap] || seen[cap] {
			continue
		}
		seen[cap] = true
		accepted = append(accepted, cap)
	}

	if s.granted[appID] == nil {
		s.granted[appID] = make(map[string]bool)
	}

	tokens := make(map[string]string, len(accepted))
	exp := time.Now().Add(s.ttl)
	for _, cap := range accepted {
		token, err := s.sign(appID, cap, exp)
		if err != nil {
			return nil, fmt.Errorf("signing token for %s: %w", cap, err)
		}
		tokens[cap] = token
		s.granted[appID][cap] = true
		s.issued[appID] = append(s.issued[appID], token)
	}

	return &Grant{Capabilities: accepted, Tokens: tokens}, nil
}

func (s *Service) sign(appID, cap string, exp time.Time) (string, error) {
	claims := jwt.MapClaims{
		"app_id": appID,
		"cap":    cap,
		"exp":    exp.Unix(),
		"nonce":  uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["typ"] = TokenType
	return tok.SignedString(s.key)
}

// Check reports whether the app currently holds the capability. This is the
// synchronous in-memory whitelist check used on every host call.
func (s *Service) Check(appID, cap string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.granted[appID][cap]
}

// Granted returns the app's current capability set.
func (s *Service) Granted(appID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caps := make([]string, 0, len(s.granted[appID]))
	for cap := range s.granted[appID] {
		caps = append(caps, cap)
	}
	return caps
}

// Verify checks signature, expiry and revocation. The signature comparison
// inside jwt/v5 is constant-time.
func (s *Service) Verify(token string) Verification {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()

	if key == nil {
		return Verification{Error: "no_key"}
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return Verification{Error: "malformed"}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Verification{Error: "invalid_signature"}
		case errors.Is(err, jwt.ErrTokenExpired):
			return Verification{Error: "expired"}
		default:
			return Verification{Error: "invalid_payload"}
		}
	}

	payload, ok := payloadFromClaims(parsed.Claims)
	if !ok {
		return Verification{Error: "invalid_payload"}
	}

	s.mu.RLock()
	revoked := s.revoked[payload.Nonce]
	s.mu.RUnlock()
	if revoked {
		return Verification{Error: "revoked"}
	}

	return Verification{Valid: true, Payload: payload}
}

func payloadFromClaims(claims jwt.Claims) (*Payload, bool) {
	mc, ok := claims.(jwt.MapClaims)
	if !ok {
		return nil, false
	}
	appID, _ := mc["app_id"].(string)
	cap, _ := mc["cap"].(string)
	nonce, _ := mc["nonce"].(string)
	exp, _ := mc["exp"].(float64)
	if appID == "" || cap == "" || nonce == "" {
		return nil, false
	}
	return &Payload{AppID: appID, Cap: cap, Exp: int64(exp), Nonce: nonce}, true
}

// RevokeToken adds the token's nonce to the revocation set. Best effort:
// tokens that no longer parse are ignored.
func (s *Service) RevokeToken(token string) {
	nonce, ok := extractNonce(token)
	if !ok {
		return
	}
	s.mu.Lock()
	s.revoked[nonce] = true
	s.mu.Unlock()
}

// RevokeAll revokes every token issued to the app and clears its whitelist
// entry.
func (s *Service) RevokeAll(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, token := range s.issued[appID] {
		if nonce, ok := extractNonce(token); ok {
			s.revoked[nonce] = true
		}
	}
	delete(s.issued, appID)
	delete(s.granted, appID)
}

// extractNonce decodes the payload segment without verifying the signature.
// Revocation of a token we issued does not require re-verification.
func extractNonce(token string) (string, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", false
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", false
	}
	nonce, _ := claims["nonce"].(string)
	return nonce, nonce != ""
}

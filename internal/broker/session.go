package broker

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"autoinvest/internal/config"
	apperrors "autoinvest/pkg/errors"
)

// Session owns the live session token lifecycle: Diffie-Hellman key
// agreement with the broker, token derivation, verification, and cached
// reuse until the broker-reported expiration.
type Session struct {
	cfg        config.BrokerConfig
	signKey    *rsa.PrivateKey
	encryptKey *rsa.PrivateKey
	prime      *big.Int
	httpClient *http.Client
	logger     *zap.Logger

	mu        sync.Mutex
	lst       []byte
	expiresAt time.Time
}

// NewSession loads both RSA keys and parses the Diffie-Hellman prime
func NewSession(cfg config.BrokerConfig, logger *zap.Logger) (*Session, error) {
	signKey, err := loadPrivateKey(cfg.SignatureKeyPath)
	if err != nil {
		return nil, fmt.Errorf("signature key: %w", err)
	}
	encryptKey, err := loadPrivateKey(cfg.EncryptionKeyPath)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	prime, ok := new(big.Int).SetString(strings.TrimPrefix(cfg.DHPrime, "0x"), 16)
	if !ok {
		return nil, &apperrors.ConfigError{Key: "broker.dh_prime", Message: "not valid hex"}
	}
	return &Session{
		cfg:        cfg,
		signKey:    signKey,
		encryptKey: encryptKey,
		prime:      prime,
		httpClient: &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Second},
		logger:     logger,
	}, nil
}

// refreshSkew re-derives slightly ahead of the reported expiration so a
// token cannot go stale between signing and the gateway checking it
const refreshSkew = time.Minute

// Token returns the current live session token, deriving a fresh one when
// none is cached or the cached one is within refreshSkew of expiring.
func (s *Session) Token(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lst != nil && time.Now().Add(refreshSkew).Before(s.expiresAt) {
		return s.lst, nil
	}
	lst, expiresAt, err := s.derive(ctx)
	if err != nil {
		return nil, err
	}
	s.lst = lst
	s.expiresAt = expiresAt
	s.logger.Info("live session token established",
		zap.Time("expires_at", expiresAt))
	return s.lst, nil
}

// Invalidate drops the cached token so the next Token call re-derives
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.lst = nil
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

type lstResponse struct {
	DHResponse   string `json:"diffie_hellman_response"`
	LSTSignature string `json:"live_session_token_signature"`
	LSTExpiresMS int64  `json:"live_session_token_expiration"`
}

// derive performs the full key agreement round trip. Caller holds s.mu.
func (s *Session) derive(ctx context.Context) ([]byte, time.Time, error) {
	random, err := randomExponent()
	if err != nil {
		return nil, time.Time{}, err
	}
	challenge := new(big.Int).Exp(big.NewInt(2), random, s.prime).Text(16)

	prepend, err := s.decryptAccessTokenSecret()
	if err != nil {
		return nil, time.Time{}, err
	}

	resp, err := s.requestToken(ctx, challenge, prepend)
	if err != nil {
		return nil, time.Time{}, err
	}

	dhResponse, ok := new(big.Int).SetString(resp.DHResponse, 16)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: malformed diffie_hellman_response", apperrors.ErrAuthenticationFailed)
	}

	shared := new(big.Int).Exp(dhResponse, random, s.prime)
	lst := computeLST(encodeSigned(shared), prepend)

	if !verifyLST(lst, resp.LSTSignature, s.cfg.ConsumerKey) {
		return nil, time.Time{}, fmt.Errorf("%w: live session token signature mismatch", apperrors.ErrAuthenticationFailed)
	}

	expiresAt := time.UnixMilli(resp.LSTExpiresMS)
	if resp.LSTExpiresMS == 0 {
		expiresAt = time.Now().Add(23 * time.Hour)
	}
	return lst, expiresAt, nil
}

// requestToken signs and sends the live-session-token request. This is the
// only call signed with RSA; everything after uses the derived token.
func (s *Session) requestToken(ctx context.Context, challenge string, prepend []byte) (*lstResponse, error) {
	endpoint := s.cfg.BaseURL + "/oauth/live_session_token"

	params, err := baseOAuthParams(s.cfg.ConsumerKey, s.cfg.AccessToken, sigMethodRSA, time.Now())
	if err != nil {
		return nil, err
	}
	params["diffie_hellman_challenge"] = challenge

	// the decrypted secret is prefixed to the base string before signing
	base := hex.EncodeToString(prepend) + signatureBaseString(http.MethodPost, endpoint, params)
	sig, err := signRSA(base, s.signKey)
	if err != nil {
		return nil, err
	}
	params["oauth_signature"] = percentEncode(sig)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authorizationHeader(s.cfg.Realm, params))
	req.Header.Set("Accept", "application/json")

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: token request returned %d: %s",
			apperrors.ErrAuthenticationFailed, httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var resp lstResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &resp, nil
}

// decryptAccessTokenSecret recovers the key-agreement prepend bytes from the
// base64 RSA-OAEP ciphertext issued at onboarding
func (s *Session) decryptAccessTokenSecret() ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(s.cfg.AccessTokenSecret))
	if err != nil {
		return nil, fmt.Errorf("%w: access token secret is not base64", apperrors.ErrAuthenticationFailed)
	}
	plain, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, s.encryptKey, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt access token secret: %v", apperrors.ErrAuthenticationFailed, err)
	}
	return plain, nil
}

// randomExponent draws the private Diffie-Hellman exponent
func randomExponent() (*big.Int, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("dh exponent: %w", err)
	}
	return new(big.Int).SetBytes(buf), nil
}

// encodeSigned serializes a positive big integer in signed-magnitude form:
// big-endian bytes with a leading zero byte whenever the top bit is set, so
// the value is never read back as negative.
func encodeSigned(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}

// computeLST derives the live session token: HMAC-SHA1 over the decrypted
// secret bytes keyed by the shared Diffie-Hellman secret.
func computeLST(shared, prepend []byte) []byte {
	mac := hmac.New(sha1.New, shared)
	mac.Write(prepend)
	return mac.Sum(nil)
}

// verifyLST checks the broker's proof of the same token: hex(HMAC-SHA1 over
// the consumer key keyed by the token) must equal the returned signature.
func verifyLST(lst []byte, signature, consumerKey string) bool {
	mac := hmac.New(sha1.New, lst)
	mac.Write([]byte(consumerKey))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

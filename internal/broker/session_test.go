package broker

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"autoinvest/internal/config"
)

// testPrime is 2^255 - 19; any large odd modulus keeps both sides of the
// key agreement consistent
const testPrime = "7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffed"

var oauthParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

func oauthParam(header, key string) string {
	for _, m := range oauthParamRe.FindAllStringSubmatch(header, -1) {
		if m[1] == key {
			return m[2]
		}
	}
	return ""
}

// fakeAuth implements the broker side of the live-session-token exchange
type fakeAuth struct {
	prime       *big.Int
	secretPlain []byte
	consumerKey string
	tokenCalls  atomic.Int64
}

func (f *fakeAuth) handleLST(w http.ResponseWriter, r *http.Request) {
	f.tokenCalls.Add(1)

	auth := r.Header.Get("Authorization")
	challenge, ok := new(big.Int).SetString(oauthParam(auth, "diffie_hellman_challenge"), 16)
	if !ok {
		http.Error(w, "bad challenge", http.StatusBadRequest)
		return
	}

	exponent := big.NewInt(0xBEEF)
	response := new(big.Int).Exp(big.NewInt(2), exponent, f.prime)
	shared := new(big.Int).Exp(challenge, exponent, f.prime)

	lst := computeLST(encodeSigned(shared), f.secretPlain)
	mac := hmac.New(sha1.New, lst)
	mac.Write([]byte(f.consumerKey))

	json.NewEncoder(w).Encode(map[string]any{
		"diffie_hellman_response":       response.Text(16),
		"live_session_token_signature":  hex.EncodeToString(mac.Sum(nil)),
		"live_session_token_expiration": time.Now().Add(time.Hour).UnixMilli(),
	})
}

// writeTestKey writes a fresh PKCS#1 RSA key to dir and returns its path
// and the key
func writeTestKey(t *testing.T, dir, name string) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path, key
}

// newTestSession wires a Session against mux, registering the token
// endpoint on it
func newTestSession(t *testing.T, mux *http.ServeMux) (*Session, *fakeAuth, config.BrokerConfig) {
	t.Helper()
	dir := t.TempDir()

	signPath, _ := writeTestKey(t, dir, "sign.pem")
	encryptPath, encryptKey := writeTestKey(t, dir, "encrypt.pem")

	secretPlain := make([]byte, 32)
	_, err := rand.Read(secretPlain)
	require.NoError(t, err)
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &encryptKey.PublicKey, secretPlain, nil)
	require.NoError(t, err)

	prime, _ := new(big.Int).SetString(testPrime, 16)
	auth := &fakeAuth{prime: prime, secretPlain: secretPlain, consumerKey: "TESTCONSUMER"}
	mux.HandleFunc("/oauth/live_session_token", auth.handleLST)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg := config.BrokerConfig{
		BaseURL:           server.URL,
		ConsumerKey:       auth.consumerKey,
		AccessToken:       "ACCESSTOKEN",
		AccessTokenSecret: config.Secret(base64.StdEncoding.EncodeToString(ciphertext)),
		DHPrime:           testPrime,
		Realm:             "test_realm",
		SignatureKeyPath:  signPath,
		EncryptionKeyPath: encryptPath,
		TickleInterval:    60,
		RequestTimeout:    5,
	}

	session, err := NewSession(cfg, zap.NewNop())
	require.NoError(t, err)
	return session, auth, cfg
}

func TestSessionDerivesAndCachesToken(t *testing.T) {
	session, auth, _ := newTestSession(t, http.NewServeMux())
	ctx := context.Background()

	first, err := session.Token(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Len(t, first, sha1.Size)

	second, err := session.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), auth.tokenCalls.Load())
}

func TestSessionInvalidateForcesRederivation(t *testing.T) {
	session, auth, _ := newTestSession(t, http.NewServeMux())
	ctx := context.Background()

	_, err := session.Token(ctx)
	require.NoError(t, err)

	session.Invalidate()

	_, err = session.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), auth.tokenCalls.Load())
}

func TestSessionRefreshesNearExpiry(t *testing.T) {
	session, auth, _ := newTestSession(t, http.NewServeMux())
	ctx := context.Background()

	_, err := session.Token(ctx)
	require.NoError(t, err)

	// pull the expiration inside the refresh window
	session.mu.Lock()
	session.expiresAt = time.Now().Add(refreshSkew / 2)
	session.mu.Unlock()

	_, err = session.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), auth.tokenCalls.Load())
}

func TestSessionRejectsBadSignature(t *testing.T) {
	mux := http.NewServeMux()
	session, auth, _ := newTestSession(t, mux)

	// corrupt the consumer key the server signs with so the proof fails
	auth.consumerKey = "WRONG"

	_, err := session.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestSessionRejectsBadCiphertext(t *testing.T) {
	_, _, cfg := newTestSession(t, http.NewServeMux())
	cfg.AccessTokenSecret = "not-base64!!!"
	bad, err := NewSession(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = bad.Token(context.Background())
	require.Error(t, err)
}

func TestSessionRejectsTokenEndpointError(t *testing.T) {
	mux := http.NewServeMux()
	dir := t.TempDir()
	signPath, _ := writeTestKey(t, dir, "sign.pem")
	encryptPath, encryptKey := writeTestKey(t, dir, "encrypt.pem")

	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &encryptKey.PublicKey, []byte("secret"), nil)
	require.NoError(t, err)

	mux.HandleFunc("/oauth/live_session_token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "access denied", http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	session, err := NewSession(config.BrokerConfig{
		BaseURL:           server.URL,
		ConsumerKey:       "K",
		AccessToken:       "T",
		AccessTokenSecret: config.Secret(base64.StdEncoding.EncodeToString(ciphertext)),
		DHPrime:           testPrime,
		Realm:             "r",
		SignatureKeyPath:  signPath,
		EncryptionKeyPath: encryptPath,
		RequestTimeout:    5,
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = session.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

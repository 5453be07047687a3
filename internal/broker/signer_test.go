package broker

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentEncode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"unreserved", "abcXYZ019-._~", "abcXYZ019-._~"},
		{"space", "a b", "a%20b"},
		{"ampersand and equals", "a=b&c", "a%3Db%26c"},
		{"slash and colon", "https://x/y", "https%3A%2F%2Fx%2Fy"},
		{"plus", "a+b", "a%2Bb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, percentEncode(tt.in))
		})
	}
}

func TestSignatureBaseString(t *testing.T) {
	params := map[string]string{
		"oauth_nonce":        "abc",
		"oauth_consumer_key": "key",
		"zfield":             "last",
	}
	base := signatureBaseString("post", "https://api.example.com/v1/api/orders", params)

	// method uppercased, URL encoded, params sorted by key
	assert.Equal(t,
		"POST&https%3A%2F%2Fapi.example.com%2Fv1%2Fapi%2Forders&"+
			"oauth_consumer_key%3Dkey%26oauth_nonce%3Dabc%26zfield%3Dlast",
		base)
}

func TestAuthorizationHeaderRealmFirstThenSorted(t *testing.T) {
	header := authorizationHeader("limited_poa", map[string]string{
		"oauth_token":        "tok",
		"oauth_consumer_key": "key",
	})
	assert.Equal(t,
		`OAuth realm="limited_poa", oauth_consumer_key="key", oauth_token="tok"`,
		header)
}

func TestEncodeSignedLeadingZero(t *testing.T) {
	tests := []struct {
		name string
		in   *big.Int
		want []byte
	}{
		{"high bit set gets zero byte", big.NewInt(0x80), []byte{0x00, 0x80}},
		{"high bit clear unchanged", big.NewInt(0x7f), []byte{0x7f}},
		{"multi byte high bit", new(big.Int).SetBytes([]byte{0xff, 0x01}), []byte{0x00, 0xff, 0x01}},
		{"zero", big.NewInt(0), []byte{0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeSigned(tt.in))
		})
	}
}

func TestLSTChangesWithSignPadding(t *testing.T) {
	// the same magnitude with and without the sign byte must derive
	// different tokens, otherwise padding bugs go unnoticed
	prepend := []byte("prepend-bytes")
	padded := computeLST([]byte{0x00, 0x80}, prepend)
	bare := computeLST([]byte{0x80}, prepend)
	assert.NotEqual(t, padded, bare)
}

func TestVerifyLST(t *testing.T) {
	shared := encodeSigned(big.NewInt(0x1234_5678))
	lst := computeLST(shared, []byte("secret"))
	sig := hex.EncodeToString(computeLST(lst, []byte("consumer")))

	assert.True(t, verifyLST(lst, sig, "consumer"))
	assert.False(t, verifyLST(lst, sig, "other"))
	assert.False(t, verifyLST(lst, "deadbeef", "consumer"))
}

func TestSignRSAVerifies(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sig, err := signRSA("BASE&STRING", key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("BASE&STRING"))
	require.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], raw))
}

func TestSignHMACDeterministic(t *testing.T) {
	lst := []byte("0123456789abcdef")
	a := signHMAC("BASE", lst)
	b := signHMAC("BASE", lst)
	c := signHMAC("BASE2", lst)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

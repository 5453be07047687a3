package broker

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	sigMethodHMAC = "HMAC-SHA256"
	sigMethodRSA  = "RSA-SHA256"
)

// percentEncode implements RFC 3986 encoding as OAuth1 requires: unreserved
// characters pass through, everything else becomes uppercase %XX.
func percentEncode(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// newNonce returns 16 random hex characters
func newNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// baseOAuthParams returns the OAuth parameter set common to every request
func baseOAuthParams(consumerKey, accessToken, sigMethod string, now time.Time) (map[string]string, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"oauth_consumer_key":     consumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": sigMethod,
		"oauth_timestamp":        strconv.FormatInt(now.Unix(), 10),
		"oauth_token":            accessToken,
	}, nil
}

// signatureBaseString builds "METHOD&enc(url)&enc(sorted k=v params)".
// The URL must carry no query string; query parameters belong in params.
func signatureBaseString(method, requestURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	return strings.ToUpper(method) + "&" + percentEncode(requestURL) + "&" + percentEncode(strings.Join(pairs, "&"))
}

// signHMAC computes the request signature of authenticated calls:
// base64(HMAC-SHA256(baseString)) keyed by the decoded live session token.
func signHMAC(baseString string, lst []byte) string {
	mac := hmac.New(sha256.New, lst)
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signRSA computes the live-session-token request signature:
// base64(RSA-SHA256(baseString)) under the signing private key.
func signRSA(baseString string, key *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256([]byte(baseString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// authorizationHeader renders the OAuth header: realm first, then the
// remaining pairs sorted by key, values double-quoted.
func authorizationHeader(realm string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)+1)
	pairs = append(pairs, fmt.Sprintf("realm=%q", realm))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, params[k]))
	}
	return "OAuth " + strings.Join(pairs, ", ")
}

// queryParams flattens a URL query into the single-valued map the signature
// base expects
func queryParams(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

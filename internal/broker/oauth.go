package broker

import (
	"net/http"
	"time"

	"autoinvest/internal/config"
)

// OAuthSigner signs outbound API requests with HMAC-SHA256 keyed by the
// live session token. It satisfies httpclient.Signer.
type OAuthSigner struct {
	cfg     config.BrokerConfig
	session *Session
}

func NewOAuthSigner(cfg config.BrokerConfig, session *Session) *OAuthSigner {
	return &OAuthSigner{cfg: cfg, session: session}
}

// SignRequest attaches the OAuth Authorization header. Query parameters are
// folded into the signature base; the body is never signed.
func (o *OAuthSigner) SignRequest(req *http.Request) error {
	lst, err := o.session.Token(req.Context())
	if err != nil {
		return err
	}

	params, err := baseOAuthParams(o.cfg.ConsumerKey, o.cfg.AccessToken, sigMethodHMAC, time.Now())
	if err != nil {
		return err
	}

	sigParams := make(map[string]string, len(params)+4)
	for k, v := range params {
		sigParams[k] = v
	}
	for k, v := range queryParams(req.URL.Query()) {
		sigParams[k] = v
	}

	bareURL := *req.URL
	bareURL.RawQuery = ""
	base := signatureBaseString(req.Method, bareURL.String(), sigParams)
	params["oauth_signature"] = percentEncode(signHMAC(base, lst))

	req.Header.Set("Authorization", authorizationHeader(o.cfg.Realm, params))
	return nil
}

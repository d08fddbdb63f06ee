// Package httpclient builds the *http.Client used for one endpoint.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/go-ntlmssp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"cmdflow/internal/auth"
	"cmdflow/internal/config"
	"cmdflow/internal/logging"
	"cmdflow/internal/util"
)

// DefaultTimeout bounds one HTTP round trip.
const DefaultTimeout = 30 * time.Second

// NewClient creates a client for ep: TLS verification, the transport its auth
// type needs (NTLM negotiation, Digest challenge handling, OAuth2 client
// credentials) and, when the endpoint asks for cookies, a cookie jar. jar is
// reused when given so an API pipeline can carry cookies between steps;
// otherwise a fresh one is created.
func NewClient(ep config.APIEndpoint, jar http.CookieJar) (*http.Client, error) {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: ep.TLSSkipVerify,
		},
		DialContext: (&net.Dialer{
			Timeout:   DefaultTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if ep.TLSSkipVerify {
		logging.Logf(logging.Warning, "TLS certificate verification is DISABLED for endpoint '%s'", ep.Name)
	}

	creds := ep.AuthConfig
	var transport http.RoundTripper = base
	switch authType := config.NormalizeAuthType(ep.AuthType); authType {
	case config.AuthNTLM:
		if creds["username"] == "" || creds["password"] == "" {
			return nil, fmt.Errorf("ntlm authentication requires username and password")
		}
		// NTLM needs a single connection across the handshake, so no HTTP/2.
		base.ForceAttemptHTTP2 = false
		base.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		transport = ntlmssp.Negotiator{RoundTripper: base}

	case config.AuthDigest:
		if creds["username"] == "" || creds["password"] == "" {
			return nil, fmt.Errorf("digest authentication requires username and password")
		}
		transport = &auth.DigestTransport{
			Username: util.ExpandEnvUniversal(creds["username"]),
			Password: util.ExpandEnvUniversal(creds["password"]),
			Next:     base,
		}

	case config.AuthOAuth2:
		clientID, clientSecret, tokenURL := creds["client_id"], creds["client_secret"], creds["token_url"]
		if clientID == "" || clientSecret == "" || tokenURL == "" {
			return nil, fmt.Errorf("oauth2 requires client_id, client_secret and token_url")
		}
		cc := clientcredentials.Config{
			ClientID:     util.ExpandEnvUniversal(clientID),
			ClientSecret: util.ExpandEnvUniversal(clientSecret),
			TokenURL:     tokenURL,
			Scopes:       strings.Fields(creds["scope"]),
		}
		tokenClient := &http.Client{Transport: base, Timeout: DefaultTimeout}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, tokenClient)
		transport = &oauth2.Transport{Source: cc.TokenSource(ctx), Base: base}

	case config.AuthNone, config.AuthAPIKey, config.AuthToken, config.AuthBearer, config.AuthCustom, config.AuthBasic:

	default:
		return nil, fmt.Errorf("unsupported authentication type '%s'", authType)
	}

	client := &http.Client{Timeout: DefaultTimeout, Transport: transport}
	if ep.CookieJar {
		if jar == nil {
			var err error
			if jar, err = cookiejar.New(nil); err != nil {
				return nil, fmt.Errorf("failed to create cookie jar: %w", err)
			}
		}
		client.Jar = jar
	}
	return client, nil
}

// LogCookieJar logs the cookies held for rawURL at debug level.
func LogCookieJar(jar http.CookieJar, rawURL string) {
	if jar == nil || !logging.Enabled(logging.Debug) {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	if cookies := jar.Cookies(u); len(cookies) > 0 {
		logging.Logf(logging.Debug, "Cookies in jar for '%s': %v", u.Redacted(), cookies)
	}
}

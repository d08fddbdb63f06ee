package auth

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"regexp"
	"strings"

	"cmdflow/internal/logging"
)

// ErrDigestUnsupported is returned when the server offers no algorithm or qop
// this transport implements.
var ErrDigestUnsupported = errors.New("unsupported Digest challenge")

type digestChallenge struct {
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qop       []string
}

// DigestTransport answers a 401 Digest challenge by retrying the request once
// with an Authorization header. MD5, SHA-256 and their -sess variants are
// supported, with qop auth or auth-int.
type DigestTransport struct {
	Username string
	Password string
	Next     http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *DigestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	next := t.Next
	if next == nil {
		next = http.DefaultTransport
	}
	resp, err := next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	header := resp.Header.Get("WWW-Authenticate")
	if !strings.HasPrefix(strings.ToLower(header), "digest ") {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	logging.Logf(logging.Debug, "Digest challenge from %s: %s", req.URL.Redacted(), header)

	challenge, err := parseDigestChallenge(header)
	if err != nil {
		return nil, err
	}
	algorithm, qop, err := challenge.choose()
	if err != nil {
		return nil, err
	}

	var body []byte
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("digest: failed to re-read request body: %w", err)
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("digest: failed to re-read request body: %w", err)
		}
	}

	cnonce, err := newCNonce()
	if err != nil {
		return nil, fmt.Errorf("digest: failed to generate cnonce: %w", err)
	}
	authorization := t.authorization(challenge, algorithm, qop, req.Method, req.URL.RequestURI(), cnonce, body)

	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", authorization)
	if req.GetBody != nil {
		authed.Body, _ = req.GetBody()
	}
	return next.RoundTrip(authed)
}

func (c *digestChallenge) choose() (algorithm, qop string, err error) {
	switch strings.ToUpper(c.algorithm) {
	case "", "MD5":
		algorithm = "MD5"
	case "MD5-SESS":
		algorithm = "MD5-sess"
	case "SHA-256":
		algorithm = "SHA-256"
	case "SHA-256-SESS":
		algorithm = "SHA-256-sess"
	default:
		return "", "", fmt.Errorf("%w: algorithm '%s'", ErrDigestUnsupported, c.algorithm)
	}
	for _, offered := range c.qop {
		if offered == "auth" {
			return algorithm, "auth", nil
		}
	}
	for _, offered := range c.qop {
		if offered == "auth-int" {
			return algorithm, "auth-int", nil
		}
	}
	if len(c.qop) > 0 {
		return "", "", fmt.Errorf("%w: qop '%s'", ErrDigestUnsupported, strings.Join(c.qop, ","))
	}
	return algorithm, "", nil
}

func (t *DigestTransport) authorization(c *digestChallenge, algorithm, qop, method, uri, cnonce string, body []byte) string {
	var hasher hash.Hash = md5.New()
	if strings.HasPrefix(algorithm, "SHA-256") {
		hasher = sha256.New()
	}
	h := func(s string) string {
		hasher.Reset()
		hasher.Write([]byte(s))
		return hex.EncodeToString(hasher.Sum(nil))
	}

	const nc = "00000001"
	ha1 := h(t.Username + ":" + c.realm + ":" + t.Password)
	if strings.HasSuffix(algorithm, "-sess") {
		ha1 = h(ha1 + ":" + c.nonce + ":" + cnonce)
	}
	ha2 := h(method + ":" + uri)
	if qop == "auth-int" {
		ha2 = h(method + ":" + uri + ":" + h(string(body)))
	}
	var response string
	if qop == "" {
		response = h(ha1 + ":" + c.nonce + ":" + ha2)
	} else {
		response = h(strings.Join([]string{ha1, c.nonce, nc, cnonce, qop, ha2}, ":"))
	}

	parts := []string{
		fmt.Sprintf(`username="%s"`, t.Username),
		fmt.Sprintf(`realm="%s"`, c.realm),
		fmt.Sprintf(`nonce="%s"`, c.nonce),
		fmt.Sprintf(`uri="%s"`, uri),
		fmt.Sprintf(`response="%s"`, response),
		"algorithm=" + algorithm,
	}
	if c.opaque != "" {
		parts = append(parts, fmt.Sprintf(`opaque="%s"`, c.opaque))
	}
	if qop != "" {
		parts = append(parts, "qop="+qop, "nc="+nc, fmt.Sprintf(`cnonce="%s"`, cnonce))
	}
	return "Digest " + strings.Join(parts, ", ")
}

var digestParam = regexp.MustCompile(`([a-zA-Z0-9_-]+)\s*=\s*(?:"([^"]*)"|([^",\s]+))`)

func parseDigestChallenge(header string) (*digestChallenge, error) {
	params := make(map[string]string)
	for _, m := range digestParam.FindAllStringSubmatch(header[len("digest "):], -1) {
		value := m[2]
		if value == "" {
			value = m[3]
		}
		params[strings.ToLower(m[1])] = value
	}
	c := &digestChallenge{
		realm:     params["realm"],
		nonce:     params["nonce"],
		opaque:    params["opaque"],
		algorithm: params["algorithm"],
	}
	if c.realm == "" || c.nonce == "" {
		return nil, fmt.Errorf("digest challenge '%s' is missing realm or nonce", header)
	}
	for _, q := range strings.Split(params["qop"], ",") {
		if q = strings.ToLower(strings.TrimSpace(q)); q != "" {
			c.qop = append(c.qop, q)
		}
	}
	return c, nil
}

func newCNonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

package auth

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNext answers with the responses returned by fn and keeps every request.
type mockNext struct {
	fn       func(call int, req *http.Request) (*http.Response, error)
	requests []*http.Request
	bodies   []string
}

func (m *mockNext) RoundTrip(req *http.Request) (*http.Response, error) {
	body := ""
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)
	return m.fn(len(m.requests), req)
}

func response(status int, header http.Header, body string) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: header, Body: io.NopCloser(strings.NewReader(body))}
}

func authParams(t *testing.T, header string) map[string]string {
	t.Helper()
	require.True(t, strings.HasPrefix(header, "Digest "))
	params := map[string]string{}
	for _, m := range digestParam.FindAllStringSubmatch(header[len("Digest "):], -1) {
		value := m[2]
		if value == "" {
			value = m[3]
		}
		params[m[1]] = value
	}
	return params
}

func challengeThenOK(challenge string) func(int, *http.Request) (*http.Response, error) {
	return func(call int, _ *http.Request) (*http.Response, error) {
		if call == 1 {
			return response(http.StatusUnauthorized, http.Header{"Www-Authenticate": {challenge}}, "denied"), nil
		}
		return response(http.StatusOK, nil, "welcome"), nil
	}
}

func TestDigestTransport_MD5Auth(t *testing.T) {
	next := &mockNext{fn: challengeThenOK(`Digest realm="TestRealm", qop="auth,auth-int", nonce="abc", opaque="xyz", algorithm=MD5`)}
	rt := &DigestTransport{Username: "user", Password: "pass", Next: next}

	req, _ := http.NewRequest(http.MethodGet, "http://mock.test/protected?x=1", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, next.requests, 2)

	p := authParams(t, next.requests[1].Header.Get("Authorization"))
	assert.Equal(t, "user", p["username"])
	assert.Equal(t, "/protected?x=1", p["uri"])
	assert.Equal(t, "auth", p["qop"])
	assert.Equal(t, "MD5", p["algorithm"])
	assert.Equal(t, "xyz", p["opaque"])
	assert.Equal(t, "00000001", p["nc"])

	ha1 := md5Hex("user:TestRealm:pass")
	ha2 := md5Hex("GET:/protected?x=1")
	want := md5Hex(strings.Join([]string{ha1, "abc", "00000001", p["cnonce"], "auth", ha2}, ":"))
	assert.Equal(t, want, p["response"])
}

func TestDigestTransport_SHA256AuthIntWithBody(t *testing.T) {
	next := &mockNext{fn: challengeThenOK(`Digest realm="r", qop="auth-int", nonce="n1", algorithm=SHA-256`)}
	rt := &DigestTransport{Username: "u", Password: "p", Next: next}

	req, _ := http.NewRequest(http.MethodPost, "http://mock.test/submit", strings.NewReader(`{"a":1}`))
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, next.bodies, 2)
	assert.Equal(t, `{"a":1}`, next.bodies[1], "body is resent on the authenticated request")

	p := authParams(t, next.requests[1].Header.Get("Authorization"))
	ha1 := sha256Hex("u:r:p")
	ha2 := sha256Hex("POST:/submit:" + sha256Hex(`{"a":1}`))
	want := sha256Hex(strings.Join([]string{ha1, "n1", "00000001", p["cnonce"], "auth-int", ha2}, ":"))
	assert.Equal(t, want, p["response"])
	assert.Equal(t, "SHA-256", p["algorithm"])
}

func TestDigestTransport_NoQop(t *testing.T) {
	next := &mockNext{fn: challengeThenOK(`Digest realm="r", nonce="n"`)}
	rt := &DigestTransport{Username: "u", Password: "p", Next: next}

	req, _ := http.NewRequest(http.MethodGet, "http://mock.test/", nil)
	_, err := rt.RoundTrip(req)
	require.NoError(t, err)

	p := authParams(t, next.requests[1].Header.Get("Authorization"))
	assert.NotContains(t, p, "qop")
	assert.Equal(t, md5Hex(md5Hex("u:r:p")+":n:"+md5Hex("GET:/")), p["response"])
}

func TestDigestTransport_PassThrough(t *testing.T) {
	t.Run("Non 401", func(t *testing.T) {
		next := &mockNext{fn: func(int, *http.Request) (*http.Response, error) { return response(http.StatusOK, nil, "ok"), nil }}
		req, _ := http.NewRequest(http.MethodGet, "http://mock.test/", nil)
		resp, err := (&DigestTransport{Next: next}).RoundTrip(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, next.requests, 1)
	})

	t.Run("401 Not Digest", func(t *testing.T) {
		next := &mockNext{fn: func(int, *http.Request) (*http.Response, error) {
			return response(http.StatusUnauthorized, http.Header{"Www-Authenticate": {`Basic realm="x"`}}, ""), nil
		}}
		req, _ := http.NewRequest(http.MethodGet, "http://mock.test/", nil)
		resp, err := (&DigestTransport{Next: next}).RoundTrip(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Len(t, next.requests, 1)
	})

	t.Run("Transport Error", func(t *testing.T) {
		next := &mockNext{fn: func(int, *http.Request) (*http.Response, error) { return nil, errors.New("dial failed") }}
		req, _ := http.NewRequest(http.MethodGet, "http://mock.test/", nil)
		_, err := (&DigestTransport{Next: next}).RoundTrip(req)
		assert.EqualError(t, err, "dial failed")
	})
}

func TestDigestTransport_Unsupported(t *testing.T) {
	testCases := []struct {
		name      string
		challenge string
	}{
		{"Algorithm", `Digest realm="r", nonce="n", algorithm=SHA-512-256`},
		{"Qop", `Digest realm="r", nonce="n", qop="auth-conf"`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			next := &mockNext{fn: challengeThenOK(tc.challenge)}
			req, _ := http.NewRequest(http.MethodGet, "http://mock.test/", nil)
			_, err := (&DigestTransport{Username: "u", Password: "p", Next: next}).RoundTrip(req)
			assert.ErrorIs(t, err, ErrDigestUnsupported)
		})
	}

	next := &mockNext{fn: challengeThenOK(`Digest qop="auth"`)}
	req, _ := http.NewRequest(http.MethodGet, "http://mock.test/", nil)
	_, err := (&DigestTransport{Next: next}).RoundTrip(req)
	assert.ErrorContains(t, err, "missing realm or nonce")
}

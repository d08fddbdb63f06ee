// Package auth applies endpoint authentication to outgoing requests.
package auth

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"net/http"
	"sort"
	"strings"

	"cmdflow/internal/config"
	"cmdflow/internal/template"
	"cmdflow/internal/util"
)

// DefaultSignatureHeader carries the token hash when headerName is not configured.
const DefaultSignatureHeader = "X-Signature"

// Apply sets the headers or query parameters authType needs on req. Config
// values are substituted against vars first. Digest and OAuth2 are handled by
// the client transport and leave req untouched.
func Apply(req *http.Request, authType config.AuthType, cfg map[string]string, vars map[string]string) error {
	get := func(key string) string { return template.Substitute(cfg[key], vars) }

	switch config.NormalizeAuthType(authType) {
	case config.AuthNone:
		return nil

	case config.AuthAPIKey:
		key, value := get("key"), get("value")
		if key == "" {
			return fmt.Errorf("apiKey authentication selected, but 'key' is not configured")
		}
		switch strings.ToLower(strings.TrimSpace(cfg["location"])) {
		case "query":
			q := req.URL.Query()
			q.Set(key, value)
			req.URL.RawQuery = q.Encode()
		case "", "header":
			req.Header.Set(key, value)
		default:
			return fmt.Errorf("apiKey authentication: unsupported location '%s' (use header or query)", cfg["location"])
		}

	case config.AuthToken:
		return applyToken(req, get)

	case config.AuthBearer:
		token := get("token")
		if token == "" {
			return fmt.Errorf("bearer authentication selected, but 'token' is empty")
		}
		req.Header.Set("Authorization", "Bearer "+token)

	case config.AuthCustom:
		for name := range cfg {
			req.Header.Set(name, get(name))
		}

	case config.AuthBasic, config.AuthNTLM:
		// The NTLM negotiator starts from the basic credentials on the request.
		if cfg["username"] == "" || cfg["password"] == "" {
			return fmt.Errorf("%s authentication selected, but 'username' or 'password' is not configured", authType)
		}
		req.SetBasicAuth(util.ExpandEnvUniversal(get("username")), util.ExpandEnvUniversal(get("password")))

	case config.AuthDigest, config.AuthOAuth2:
		return nil

	default:
		return fmt.Errorf("unsupported authentication type: %s", authType)
	}
	return nil
}

// applyToken writes hash(orderedConcat(key, timestamp, secret)) into the
// signature header, plus the raw key and timestamp when their headers are named.
func applyToken(req *http.Request, get func(string) string) error {
	key, secret := get("key"), get("secret")
	if key == "" || secret == "" {
		return fmt.Errorf("token authentication selected, but 'key' or 'secret' is empty")
	}
	timestamp := template.Timestamp()
	algorithm := get("algorithm")

	signature := Signature(algorithm, key, timestamp, secret)
	headerName := get("headerName")
	if headerName == "" {
		headerName = DefaultSignatureHeader
	}
	req.Header.Set(headerName, signature)
	if h := get("keyHeader"); h != "" {
		req.Header.Set(h, key)
	}
	if h := get("timestampHeader"); h != "" {
		req.Header.Set(h, timestamp)
	}
	return nil
}

// Signature hashes key, timestamp and secret concatenated in the order they
// are named in algorithm (e.g. "SHA256:Secret+Timestamp+Key"). Names that do
// not appear are left out; if none appear the order is key, timestamp, secret.
// SHA-256 is used when algorithm mentions it, MD5 otherwise. The result is
// lowercase hex.
func Signature(algorithm, key, timestamp, secret string) string {
	upper := strings.ToUpper(algorithm)

	type operand struct {
		pos   int
		value string
	}
	var operands []operand
	for name, value := range map[string]string{"KEY": key, "TIMESTAMP": timestamp, "SECRET": secret} {
		if pos := strings.Index(upper, name); pos >= 0 {
			operands = append(operands, operand{pos, value})
		}
	}
	sort.Slice(operands, func(i, j int) bool { return operands[i].pos < operands[j].pos })

	var concat string
	if len(operands) == 0 {
		concat = key + timestamp + secret
	} else {
		for _, op := range operands {
			concat += op.value
		}
	}

	var hasher hash.Hash = md5.New()
	if strings.Contains(upper, "SHA256") || strings.Contains(upper, "SHA-256") {
		hasher = sha256.New()
	}
	hasher.Write([]byte(concat))
	return hex.EncodeToString(hasher.Sum(nil))
}

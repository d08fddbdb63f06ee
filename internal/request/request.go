// Package request executes a single templated endpoint call and extracts
// variables from its response.
package request

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"cmdflow/internal/auth"
	"cmdflow/internal/config"
	"cmdflow/internal/executor"
	"cmdflow/internal/extract"
	"cmdflow/internal/httpclient"
	"cmdflow/internal/logging"
	"cmdflow/internal/template"
	"cmdflow/internal/util"
)

// Response is the outcome of one endpoint call.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	// ParsedJSON is nil when the body is not valid JSON.
	ParsedJSON         any
	ExtractedVariables map[string]string
	URL                string
	Method             string
	Duration           time.Duration
}

// Success reports a 2xx status.
func (r *Response) Success() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// BodyString returns the body, pretty-printed when it is JSON.
func (r *Response) BodyString() string {
	if r.ParsedJSON != nil {
		var out bytes.Buffer
		if err := json.Indent(&out, r.Body, "", "  "); err == nil {
			return out.String()
		}
	}
	return string(r.Body)
}

// --- Interfaces for Dependencies ---

type clientProvider interface {
	NewClient(ep config.APIEndpoint, jar http.CookieJar) (*http.Client, error)
}

type requestSender interface {
	ExecuteRequest(client executor.Doer, req *http.Request, retry config.RetryConfig) (*http.Response, []byte, error)
}

type defaultClientProvider struct{}

func (defaultClientProvider) NewClient(ep config.APIEndpoint, jar http.CookieJar) (*http.Client, error) {
	return httpclient.NewClient(ep, jar)
}

type defaultRequestSender struct{}

func (defaultRequestSender) ExecuteRequest(client executor.Doer, req *http.Request, retry config.RetryConfig) (*http.Response, []byte, error) {
	return executor.ExecuteRequest(client, req, retry)
}

// ExecutorOpts configures an Executor. Nil fields use the defaults.
type ExecutorOpts struct {
	Clients   clientProvider
	Sender    requestSender
	Extractor *extract.Extractor
	Retry     config.RetryConfig
	// Jar is shared by every call to an endpoint with cookie_jar set.
	Jar http.CookieJar
}

// Executor runs endpoint calls.
type Executor struct {
	clients   clientProvider
	sender    requestSender
	extractor *extract.Extractor
	retry     config.RetryConfig
	jar       http.CookieJar
}

// NewExecutor creates an Executor with default dependencies.
func NewExecutor() *Executor {
	return NewExecutorWithOpts(ExecutorOpts{})
}

// NewExecutorWithOpts creates an Executor with injected dependencies.
func NewExecutorWithOpts(opts ExecutorOpts) *Executor {
	e := &Executor{
		clients:   opts.Clients,
		sender:    opts.Sender,
		extractor: opts.Extractor,
		retry:     opts.Retry,
		jar:       opts.Jar,
	}
	if e.clients == nil {
		e.clients = defaultClientProvider{}
	}
	if e.sender == nil {
		e.sender = defaultRequestSender{}
	}
	if e.extractor == nil {
		e.extractor = extract.New()
	}
	return e
}

// Build renders ep against vars into a ready-to-send request with
// authentication applied. GET requests never carry a body.
func Build(ctx context.Context, ep config.APIEndpoint, vars map[string]string) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(ep.Method))
	if method == "" {
		method = http.MethodGet
	}
	rawURL := template.Substitute(ep.URL, vars)
	body := template.Substitute(ep.BodyTemplate, vars)

	var reader io.Reader
	if method != http.MethodGet && body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("endpoint '%s': invalid request for URL '%s': %w", ep.Name, rawURL, err)
	}
	for name, value := range template.SubstituteMap(ep.Headers, vars) {
		req.Header.Set(name, value)
	}
	if reader != nil && req.Header.Get("Content-Type") == "" && util.LooksLikeJSON(body) {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := auth.Apply(req, ep.AuthType, ep.AuthConfig, vars); err != nil {
		return nil, fmt.Errorf("endpoint '%s': %w", ep.Name, err)
	}
	if unresolved := template.Unresolved(rawURL + " " + body); len(unresolved) > 0 {
		logging.Logf(logging.Warning, "Endpoint '%s': unresolved placeholders %v", ep.Name, unresolved)
	}
	return req, nil
}

// Run calls ep with vars substituted and evaluates its extractions. A non-2xx
// status is not an error here; callers decide with Response.Success. Errors
// are returned for bad requests, transport failures and timeouts.
func (e *Executor) Run(ctx context.Context, ep config.APIEndpoint, vars map[string]string) (*Response, error) {
	req, err := Build(ctx, ep, vars)
	if err != nil {
		return nil, err
	}
	client, err := e.clients.NewClient(ep, e.jar)
	if err != nil {
		return nil, fmt.Errorf("endpoint '%s': failed to create HTTP client: %w", ep.Name, err)
	}

	logging.Logf(logging.Info, "Calling endpoint '%s': %s %s", ep.Name, req.Method, req.URL.Redacted())
	start := time.Now()
	httpResp, body, err := e.sender.ExecuteRequest(client, req, e.retry)
	if err != nil {
		return nil, fmt.Errorf("endpoint '%s': %w", ep.Name, err)
	}
	httpclient.LogCookieJar(client.Jar, req.URL.String())

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
		URL:        req.URL.String(),
		Method:     req.Method,
		Duration:   time.Since(start),
	}
	var parsed any
	if gjson.ValidBytes(body) && json.Unmarshal(body, &parsed) == nil {
		resp.ParsedJSON = parsed
	} else if len(body) > 0 {
		logging.Logf(logging.Debug, "Endpoint '%s': response body is not JSON: %s", ep.Name, util.Snippet(body))
	}
	resp.ExtractedVariables = e.extractor.Apply(ctx, extract.Source{Body: body, Header: httpResp.Header}, ep.Extractions)
	logging.Logf(logging.Info, "Endpoint '%s' returned %d in %v", ep.Name, resp.StatusCode, resp.Duration)
	return resp, nil
}

package capability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Checker probes a server and returns the names of the tools it offers.
type Checker interface {
	Check(ctx context.Context, s Server) ([]string, error)
}

// DefaultCheckTimeout bounds a single MCP probe.
const DefaultCheckTimeout = 10 * time.Second

// MCPChecker connects to a server with the MCP streamable HTTP transport,
// lists its tools and disconnects.
type MCPChecker struct {
	client     *mcpsdk.Client
	httpClient *http.Client
	timeout    time.Duration
}

var _ Checker = (*MCPChecker)(nil)

// NewMCPChecker returns an MCPChecker. A zero timeout uses
// [DefaultCheckTimeout]; httpClient may be nil.
func NewMCPChecker(httpClient *http.Client, timeout time.Duration) *MCPChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &MCPChecker{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "pushtalk-capability", Version: "1.0.0"},
			nil,
		),
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// Check implements [Checker].
func (c *MCPChecker) Check(ctx context.Context, s Server) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hc := c.httpClient
	if len(s.Headers) > 0 {
		clone := *hc
		clone.Transport = headerTransport{base: hc.Transport, headers: s.Headers}
		hc = &clone
	}
	transport := &mcpsdk.StreamableClientTransport{Endpoint: s.URL, HTTPClient: hc}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("capability: connect %q: %w", s.Label, err)
	}
	defer session.Close()

	var names []string
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("capability: list tools of %q: %w", s.Label, err)
		}
		names = append(names, tool.Name)
	}
	return names, nil
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

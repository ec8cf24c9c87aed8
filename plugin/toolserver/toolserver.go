package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/oauth2/clientcredentials"
)

// Transport selects how a tool server is reached.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportSSE  Transport = "sse"
)

// DefaultDiscoveryTimeout bounds initialization and tool listing per server.
const DefaultDiscoveryTimeout = 15 * time.Second

// OAuthConfig enables the client-credentials grant for a server when the
// caller carries no identity token of its own.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url" json:"tokenUrl"`
	ClientID     string   `yaml:"client_id" json:"clientId"`
	ClientSecret string   `yaml:"client_secret" json:"-"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// Connection describes one external tool server.
type Connection struct {
	Name      string            `yaml:"name" json:"name"`
	URL       string            `yaml:"url" json:"url"`
	Transport Transport         `yaml:"transport,omitempty" json:"transport,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"-"`
	OAuth     *OAuthConfig      `yaml:"oauth,omitempty" json:"oauth,omitempty"`
}

// Tool is a tool discovered on an external server.
type Tool struct {
	Server      string
	name        string
	description string
	parameters  map[string]any
	client      *client.Client
}

func (t *Tool) Name() string               { return t.name }
func (t *Tool) Description() string        { return t.description }
func (t *Tool) Parameters() map[string]any { return t.parameters }

// Call invokes the tool with a JSON object of arguments.
func (t *Tool) Call(ctx context.Context, input string) (string, error) {
	args := map[string]any{}
	if strings.TrimSpace(input) != "" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("tool %s: arguments must be a JSON object: %w", t.name, err)
		}
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s on %s: %w", t.name, t.Server, err)
	}
	var texts []string
	for _, c := range result.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			texts = append(texts, text.Text)
		}
	}
	out := strings.Join(texts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", t.name, out)
	}
	return out, nil
}

// Session owns the client connections opened for one turn.
type Session struct {
	mu      sync.Mutex
	clients []*client.Client
}

// Close closes every client of the session. It is safe to call on nil.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, c := range s.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.clients = nil
	return errors.Join(errs...)
}

func (s *Session) add(c *client.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, c)
}

// Provider discovers tools on external tool servers.
type Provider struct {
	info    mcp.Implementation
	timeout time.Duration
}

func NewProvider(name, version string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	return &Provider{info: mcp.Implementation{Name: name, Version: version}, timeout: timeout}
}

// GetTools connects to every server and lists its tools. A server that cannot
// be reached is logged and skipped. The returned session must be closed when
// the turn ends.
func (p *Provider) GetTools(ctx context.Context, conns []Connection, authHeaders map[string]string) ([]*Tool, *Session) {
	session := &Session{}
	var tools []*Tool
	for _, conn := range conns {
		found, err := p.discover(ctx, session, conn, authHeaders)
		if err != nil {
			slog.Warn("tool server discovery failed", "degraded", "tool_server", "server", conn.Name, "url", conn.URL, "err", err)
			continue
		}
		tools = append(tools, found...)
	}
	return tools, session
}

func (p *Provider) discover(ctx context.Context, session *Session, conn Connection, authHeaders map[string]string) ([]*Tool, error) {
	headers, err := p.headers(ctx, conn, authHeaders)
	if err != nil {
		return nil, err
	}

	var c *client.Client
	switch conn.Transport {
	case TransportSSE:
		c, err = client.NewSSEMCPClient(conn.URL, transport.WithHeaders(headers))
	case TransportHTTP, "":
		c, err = client.NewStreamableHttpClient(conn.URL, transport.WithHTTPHeaders(headers))
	default:
		return nil, fmt.Errorf("unsupported transport %q", conn.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start client: %w", err)
	}
	session.add(c)

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = p.info
	if _, err := c.Initialize(callCtx, initReq); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	listed, err := c.ListTools(callCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]*Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		tools = append(tools, &Tool{
			Server:      conn.Name,
			name:        t.Name,
			description: t.Description,
			parameters:  inputSchema(t),
			client:      c,
		})
	}
	slog.Info("tool server discovered", "server", conn.Name, "tools", len(tools))
	return tools, nil
}

// headers merges static connection headers, an OAuth client-credentials token
// and the caller's auth headers, later sources winning.
func (p *Provider) headers(ctx context.Context, conn Connection, authHeaders map[string]string) (map[string]string, error) {
	headers := map[string]string{}
	for k, v := range conn.Headers {
		headers[k] = v
	}
	if conn.OAuth != nil && !hasAuthorization(authHeaders) {
		cfg := clientcredentials.Config{
			ClientID:     conn.OAuth.ClientID,
			ClientSecret: conn.OAuth.ClientSecret,
			TokenURL:     conn.OAuth.TokenURL,
			Scopes:       conn.OAuth.Scopes,
		}
		tokenCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		token, err := cfg.Token(tokenCtx)
		if err != nil {
			return nil, fmt.Errorf("oauth token: %w", err)
		}
		headers["Authorization"] = "Bearer " + token.AccessToken
	}
	for k, v := range authHeaders {
		headers[k] = v
	}
	return headers, nil
}

// AuthHeaders returns the headers that forward the caller's identity token.
func AuthHeaders(token string) map[string]string {
	token = strings.TrimSpace(token)
	if scheme, rest, ok := strings.Cut(token, " "); ok && strings.EqualFold(scheme, "bearer") {
		token = strings.TrimSpace(rest)
	} else if strings.EqualFold(token, "bearer") {
		token = ""
	}
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func hasAuthorization(headers map[string]string) bool {
	for k := range headers {
		if strings.EqualFold(k, "Authorization") {
			return true
		}
	}
	return false
}

func inputSchema(t mcp.Tool) map[string]any {
	if len(t.RawInputSchema) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(t.RawInputSchema, &raw); err == nil {
			return raw
		}
	}
	schema := map[string]any{"type": "object", "properties": map[string]any{}}
	if t.InputSchema.Type != "" {
		schema["type"] = t.InputSchema.Type
	}
	if t.InputSchema.Properties != nil {
		schema["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}
	return schema
}

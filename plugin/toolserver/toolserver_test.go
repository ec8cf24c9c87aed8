package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := server.NewMCPServer("test-tools", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the given text"),
			mcp.WithString("text", mcp.Required(), mcp.Description("text to echo")),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(req.GetString("text", "") + "|" + req.Header.Get("Authorization")), nil
		},
	)
	s.AddTool(
		mcp.NewTool("explode", mcp.WithDescription("Always fails")),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("nope"), nil
		},
	)
	ts := server.NewTestStreamableHTTPServer(s)
	t.Cleanup(ts.Close)
	return ts
}

func TestGetToolsAndCall(t *testing.T) {
	ts := newTestToolServer(t)
	ctx := context.Background()

	p := NewProvider("agentcore-test", "0.0.1", 0)
	tools, session := p.GetTools(ctx, []Connection{{Name: "local", URL: ts.URL + "/mcp"}}, AuthHeaders("Bearer user-token"))
	defer session.Close()

	require.Len(t, tools, 2)
	byName := map[string]*Tool{}
	for _, tool := range tools {
		byName[tool.Name()] = tool
	}
	echo := byName["echo"]
	require.NotNil(t, echo)
	assert.Equal(t, "Echo the given text", echo.Description())
	assert.Equal(t, "local", echo.Server)
	assert.Equal(t, "object", echo.Parameters()["type"])
	assert.Contains(t, echo.Parameters()["required"], "text")

	out, err := echo.Call(ctx, `{"text":"hello"}`)
	require.NoError(t, err)
	assert.Equal(t, "hello|Bearer user-token", out)

	_, err = byName["explode"].Call(ctx, "")
	assert.ErrorContains(t, err, "nope")

	_, err = echo.Call(ctx, "not json")
	assert.Error(t, err)
}

func TestGetToolsSkipsUnreachableServers(t *testing.T) {
	ts := newTestToolServer(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	p := NewProvider("agentcore-test", "0.0.1", 0)
	tools, session := p.GetTools(context.Background(), []Connection{
		{Name: "dead", URL: dead.URL},
		{Name: "weird", URL: ts.URL, Transport: "carrier-pigeon"},
		{Name: "local", URL: ts.URL},
	}, nil)
	defer session.Close()

	require.Len(t, tools, 2)
	for _, tool := range tools {
		assert.Equal(t, "local", tool.Server)
	}
}

func TestOAuthClientCredentialsHeader(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "svc-token", "token_type": "bearer", "expires_in": 3600})
	}))
	defer tokenServer.Close()

	p := NewProvider("agentcore-test", "0.0.1", 0)
	conn := Connection{
		Headers: map[string]string{"X-Tenant": "acme"},
		OAuth:   &OAuthConfig{TokenURL: tokenServer.URL, ClientID: "id", ClientSecret: "secret"},
	}

	headers, err := p.headers(context.Background(), conn, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"X-Tenant": "acme", "Authorization": "Bearer svc-token"}, headers)

	headers, err = p.headers(context.Background(), conn, AuthHeaders("user-token"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-token", headers["Authorization"])
}

func TestAuthHeaders(t *testing.T) {
	assert.Nil(t, AuthHeaders(""))
	assert.Nil(t, AuthHeaders("Bearer "))
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc"}, AuthHeaders("abc"))
	assert.Equal(t, map[string]string{"Authorization": "Bearer abc"}, AuthHeaders(" Bearer abc "))
}

func TestSessionCloseNil(t *testing.T) {
	var s *Session
	assert.NoError(t, s.Close())
}

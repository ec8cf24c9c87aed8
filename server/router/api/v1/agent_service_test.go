package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/attachment"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/llm"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/vectorstore"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/server/agent"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/catalog"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store/db/sqlite"
)

const testCatalog = `
silos:
  - id: 7
    name: handbook
    purpose: repository
    collection: handbook
agents:
  - id: 1
    name: Assistant
    model: {provider: openai, name: test-model}
    memory: true
  - id: 3
    name: Private
    allowed_users: [alice]
    model: {provider: openai, name: test-model}
`

// echoModel answers every prompt with a fixed reply and keeps the prompts.
type echoModel struct {
	mu      sync.Mutex
	reply   string
	prompts [][]llms.MessageContent
}

func (m *echoModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, messages)
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *echoModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func (m *echoModel) lastPromptText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, msg := range m.prompts[len(m.prompts)-1] {
		for _, part := range msg.Parts {
			if text, ok := part.(llms.TextContent); ok {
				sb.WriteString(text.Text)
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String()
}

type modelResolver struct{ model llms.Model }

func (r modelResolver) Resolve(context.Context, llm.ModelConfig) (llms.Model, error) {
	return r.model, nil
}

// wordEmbedding embeds text by the presence of a few fixed words.
func wordEmbedding(_ context.Context, text string) ([]float32, error) {
	v := []float32{0, 0, 0, 1}
	for i, w := range []string{"holiday", "expense", "laptop"} {
		if strings.Contains(strings.ToLower(text), w) {
			v[i] = 1
		}
	}
	return v, nil
}

type testServer struct {
	echo    *echo.Echo
	model   *echoModel
	files   *attachment.FileStore
	signer  *attachment.Signer
	vectors *vectorstore.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	driver, err := sqlite.NewDB(":memory:")
	require.NoError(t, err)
	s := store.New(driver, cat)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	model := &echoModel{reply: "Hello **there**"}
	checkpointers := agent.NewStoreCheckpointers(s)
	builder := agent.NewBuilder(agent.BuilderOptions{
		Models:        modelResolver{model: model},
		Agents:        s,
		Checkpointers: checkpointers,
	})
	pool := attachment.NewPool(2)
	t.Cleanup(pool.Close)

	files, err := attachment.NewFileStore(t.TempDir())
	require.NoError(t, err)
	signer := attachment.NewSigner("test-secret", 0)

	vectors, err := vectorstore.New("", wordEmbedding)
	require.NoError(t, err)

	coordinator := agent.NewCoordinator(s, builder, attachment.NewPreparer(pool, attachment.Config{}), checkpointers)
	e := echo.New()
	NewAPIV1Service(coordinator, s, vectors, files, signer).RegisterRoutes(e)
	return &testServer{echo: e, model: model, files: files, signer: signer, vectors: vectors}
}

func (ts *testServer) do(method, target, user string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)
	return rec
}

func TestChatAndConversationRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/agents/1/chat", "bob", []byte(`{"message":"Hi there"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var chat chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
	assert.Equal(t, "Hello **there**", chat.Reply)
	assert.True(t, strings.HasPrefix(chat.ConversationID, "conv_1_"))
	assert.True(t, chat.NewConversation)
	require.NotNil(t, chat.Conversation)
	assert.Equal(t, "Hi there", chat.Conversation.Title)
	assert.Equal(t, "Hello there", chat.Conversation.Preview)
	assert.NotEmpty(t, chat.RunID)

	rec = ts.do(http.MethodGet, "/api/v1/agents/1/conversations", "bob", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []conversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, chat.ConversationID, list[0].ID)

	rec = ts.do(http.MethodPost, "/api/v1/agents/1/conversations", "bob", []byte(`{"title":"Second"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created conversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "Second", created.Title)

	rec = ts.do(http.MethodDelete, "/api/v1/agents/1/conversations/"+chat.ConversationID, "bob", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(http.MethodDelete, "/api/v1/agents/1/conversations/"+chat.ConversationID, "bob", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/v1/agents/1/conversations", "bob", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(http.MethodGet, "/api/v1/agents/1/conversations", "bob", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestChatErrors(t *testing.T) {
	ts := newTestServer(t)
	body := []byte(`{"message":"Hi"}`)

	tests := []struct {
		name   string
		target string
		user   string
		body   []byte
		want   int
	}{
		{"missing user", "/api/v1/agents/1/chat", "", body, http.StatusUnauthorized},
		{"bad agent id", "/api/v1/agents/abc/chat", "bob", body, http.StatusBadRequest},
		{"unknown agent", "/api/v1/agents/99/chat", "bob", body, http.StatusNotFound},
		{"private agent", "/api/v1/agents/3/chat", "bob", body, http.StatusForbidden},
		{"empty message", "/api/v1/agents/1/chat", "bob", []byte(`{"message":"  "}`), http.StatusBadRequest},
		{"unknown conversation", "/api/v1/agents/1/chat", "bob", []byte(`{"message":"Hi","conversation_id":"conv_1_missing"}`), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodPost, tt.target, tt.user, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestChatEventStream(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/agents/1/chat", "bob", []byte(`{"message":"Hi"}`),
		http.Header{"Accept": []string{"text/event-stream"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	assert.Contains(t, out, `data: {"content":"Hello **there**","type":"content"}`)
	assert.Contains(t, out, `"type":"trace"`)
	assert.Contains(t, out, `"type":"done"`)

	rec = ts.do(http.MethodPost, "/api/v1/agents/3/chat", "bob", []byte(`{"message":"Hi"}`),
		http.Header{"Accept": []string{"text/event-stream"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `data: {"content":"access denied","type":"error"}`)
}

func TestChatMultipartAttachments(t *testing.T) {
	ts := newTestServer(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("message", "Summarise the notes"))
	part, err := w.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("the launch moved to friday"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/1/chat", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(headerUserID, "bob")
	rec := httptest.NewRecorder()
	ts.echo.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prompt := ts.model.lastPromptText()
	assert.Contains(t, prompt, "Summarise the notes")
	assert.Contains(t, prompt, "--- File: notes.txt ---")
	assert.Contains(t, prompt, "the launch moved to friday")
}

func TestServeSignedFile(t *testing.T) {
	ts := newTestServer(t)
	key, err := ts.files.Save([]byte("image-bytes"), ".jpg")
	require.NoError(t, err)
	token, err := ts.signer.Sign(key, "bob")
	require.NoError(t, err)

	rec := ts.do(http.MethodGet, "/files/"+key+"?token="+token, "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image-bytes", rec.Body.String())

	other, err := ts.signer.Sign("SomeOtherKey1234.jpg", "bob")
	require.NoError(t, err)
	rec = ts.do(http.MethodGet, "/files/"+key+"?token="+other, "", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/files/"+key, "", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	conflict := fmt.Errorf("%w: save checkpoint thread_1: %w", agent.ErrExecution, store.ErrCheckpointConflict)
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("agent 9: %w", agent.ErrNotFound), http.StatusNotFound},
		{agent.ErrAccessDenied, http.StatusForbidden},
		{agent.ErrConfiguration, http.StatusUnprocessableEntity},
		{conflict, http.StatusConflict},
		{fmt.Errorf("%w: model call: %w", agent.ErrExecution, errors.New("timeout")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := errorStatus(tt.err)
		assert.Equal(t, tt.want, code, tt.err.Error())
	}
}

func TestSiloDocumentRoutes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	body := []byte(`{"documents":[
		{"id":"h1","content":"Holiday policy: 25 days","metadata":{"topic":"hr"}},
		{"id":"e1","content":"Expense claims within 30 days","metadata":{"topic":"finance"}}
	]}`)
	rec := ts.do(http.MethodPut, "/api/v1/silos/7/documents", "bob", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"silo":7,"indexed":2}`, rec.Body.String())

	results, err := ts.vectors.Search(ctx, "handbook", "holiday", 1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "h1", results[0].ID)
	assert.Equal(t, "hr", results[0].Metadata["topic"])

	rec = ts.do(http.MethodDelete, "/api/v1/silos/7/documents?id=h1", "bob", nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	results, err = ts.vectors.Search(ctx, "handbook", "holiday", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "e1", results[0].ID)

	tests := []struct {
		name   string
		method string
		target string
		user   string
		body   []byte
		want   int
	}{
		{"missing user", http.MethodPut, "/api/v1/silos/7/documents", "", body, http.StatusUnauthorized},
		{"bad silo id", http.MethodPut, "/api/v1/silos/x/documents", "bob", body, http.StatusBadRequest},
		{"unknown silo", http.MethodPut, "/api/v1/silos/8/documents", "bob", body, http.StatusNotFound},
		{"no documents", http.MethodPut, "/api/v1/silos/7/documents", "bob", []byte(`{"documents":[]}`), http.StatusBadRequest},
		{"document without id", http.MethodPut, "/api/v1/silos/7/documents", "bob", []byte(`{"documents":[{"content":"x"}]}`), http.StatusBadRequest},
		{"delete without ids", http.MethodDelete, "/api/v1/silos/7/documents", "bob", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.target, tt.user, tt.body, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/lksnext-ai-lab/ai-core-tools-sub001/plugin/attachment"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/server/agent"
	"github.com/lksnext-ai-lab/ai-core-tools-sub001/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// Constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	// maxUploadBytes caps a single uploaded attachment.
	maxUploadBytes = 20 << 20

	headerUserID = "X-User-ID"
	headerAppID  = "X-App-ID"
)

// ─────────────────────────────────────────────────────────────────────────────
// Request / Response types
// ─────────────────────────────────────────────────────────────────────────────

type chatRequest struct {
	Message        string         `json:"message"`
	ConversationID string         `json:"conversation_id"`
	Search         map[string]any `json:"search"`
}

type conversationRequest struct {
	Title string `json:"title"`
}

type conversationResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Preview      string `json:"preview"`
	MessageCount int32  `json:"message_count"`
	CreatedTs    int64  `json:"created_ts"`
	UpdatedTs    int64  `json:"updated_ts"`
}

type chatResponse struct {
	Reply           string                `json:"reply"`
	Structured      map[string]any        `json:"structured,omitempty"`
	ConversationID  string                `json:"conversation_id,omitempty"`
	NewConversation bool                  `json:"new_conversation,omitempty"`
	Conversation    *conversationResponse `json:"conversation,omitempty"`
	Degraded        []string              `json:"degraded,omitempty"`
	RunID           string                `json:"run_id"`
}

func toConversationResponse(conv *store.Conversation) *conversationResponse {
	if conv == nil {
		return nil
	}
	return &conversationResponse{
		ID:           conv.SessionID,
		Title:        conv.Title,
		Preview:      conv.Preview,
		MessageCount: conv.MessageCount,
		CreatedTs:    conv.CreatedTs,
		UpdatedTs:    conv.UpdatedTs,
	}
}

// APIV1Service serves the agent chat API.
type APIV1Service struct {
	Coordinator *agent.Coordinator
	// Silos and Index serve document ingestion; without an index the
	// silo routes are not registered.
	Silos SiloSource
	Index DocumentIndex
	// Files and Signer serve signed attachment URLs; both may be nil.
	Files  *attachment.FileStore
	Signer *attachment.Signer
}

func NewAPIV1Service(coordinator *agent.Coordinator, silos SiloSource, index DocumentIndex, files *attachment.FileStore, signer *attachment.Signer) *APIV1Service {
	return &APIV1Service{Coordinator: coordinator, Silos: silos, Index: index, Files: files, Signer: signer}
}

// ─────────────────────────────────────────────────────────────────────────────
// Route registration
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1/agents/:id")
	g.POST("/chat", s.handleChat)
	g.GET("/conversations", s.listConversations)
	g.POST("/conversations", s.createConversation)
	g.DELETE("/conversations", s.resetConversations)
	g.DELETE("/conversations/:cid", s.deleteConversation)

	if s.Silos != nil && s.Index != nil {
		silos := e.Group("/api/v1/silos/:id")
		silos.PUT("/documents", s.indexDocuments)
		silos.DELETE("/documents", s.deleteDocuments)
	}

	e.GET("/files/:key", s.serveFile)
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversations
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) listConversations(c *echo.Context) error {
	agentID, user, err := requireCaller(c)
	if err != nil {
		return err
	}
	list, err := s.Coordinator.ListConversations(c.Request().Context(), agentID, user)
	if err != nil {
		return httpError(err)
	}
	resp := make([]*conversationResponse, 0, len(list))
	for _, conv := range list {
		resp = append(resp, toConversationResponse(conv))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) createConversation(c *echo.Context) error {
	agentID, user, err := requireCaller(c)
	if err != nil {
		return err
	}
	var req conversationRequest
	if err := c.Bind(&req); err != nil {
		req.Title = ""
	}
	conv, err := s.Coordinator.CreateConversation(c.Request().Context(), agentID, user, strings.TrimSpace(req.Title))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, toConversationResponse(conv))
}

func (s *APIV1Service) resetConversations(c *echo.Context) error {
	agentID, user, err := requireCaller(c)
	if err != nil {
		return err
	}
	if err := s.Coordinator.ResetConversation(c.Request().Context(), agentID, user, ""); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) deleteConversation(c *echo.Context) error {
	agentID, user, err := requireCaller(c)
	if err != nil {
		return err
	}
	if err := s.Coordinator.ResetConversation(c.Request().Context(), agentID, user, c.Param("cid")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ─────────────────────────────────────────────────────────────────────────────
// Chat
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) handleChat(c *echo.Context) error {
	agentID, user, err := requireCaller(c)
	if err != nil {
		return err
	}

	// ── 1. Parse request ──────────────────────────────────────────────────────
	req, files, err := readChatRequest(c)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.Message) == "" && len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}
	turn := agent.TurnRequest{
		AgentID:        agentID,
		Message:        req.Message,
		Files:          files,
		User:           user,
		ConversationID: req.ConversationID,
		Search:         req.Search,
	}

	// ── 2. Plain JSON ─────────────────────────────────────────────────────────
	if !strings.Contains(c.Request().Header.Get("Accept"), "text/event-stream") {
		result, err := s.Coordinator.ExecuteTurn(c.Request().Context(), turn)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, toChatResponse(result))
	}

	// ── 3. Server-sent events ─────────────────────────────────────────────────
	rw := c.Response()
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.Header().Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)

	emit := func(eventType, payload string) {
		data, _ := json.Marshal(map[string]string{"type": eventType, "content": payload})
		fmt.Fprintf(rw, "data: %s\n\n", data)
		if f, ok := rw.(http.Flusher); ok {
			f.Flush()
		}
	}
	emitJSON := func(eventType string, obj any) {
		inner, _ := json.Marshal(obj)
		data, _ := json.Marshal(map[string]json.RawMessage{
			"type":    json.RawMessage(`"` + eventType + `"`),
			"payload": inner,
		})
		fmt.Fprintf(rw, "data: %s\n\n", data)
		if f, ok := rw.(http.Flusher); ok {
			f.Flush()
		}
	}

	result, err := s.Coordinator.ExecuteTurn(c.Request().Context(), turn)
	if err != nil {
		_, msg := errorStatus(err)
		emit("error", msg)
		return nil
	}
	for _, ev := range result.Trace {
		emitJSON("trace", ev)
	}
	emit("content", result.Reply)
	emitJSON("done", toChatResponse(result))
	return nil
}

func toChatResponse(result *agent.TurnResult) chatResponse {
	return chatResponse{
		Reply:           result.Reply,
		Structured:      result.Structured,
		ConversationID:  result.ConversationID,
		NewConversation: result.NewConversation,
		Conversation:    toConversationResponse(result.Conversation),
		Degraded:        result.Degraded,
		RunID:           result.RunID,
	}
}

// readChatRequest accepts a JSON body or a multipart form with "message",
// "conversation_id", "search" (JSON) and any number of "files".
func readChatRequest(c *echo.Context) (chatRequest, []attachment.File, error) {
	var req chatRequest
	if !strings.HasPrefix(c.Request().Header.Get("Content-Type"), "multipart/form-data") {
		if err := c.Bind(&req); err != nil {
			return req, nil, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		return req, nil, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return req, nil, echo.NewHTTPError(http.StatusBadRequest, "invalid multipart form")
	}
	req.Message = firstValue(form.Value["message"])
	req.ConversationID = firstValue(form.Value["conversation_id"])
	if raw := firstValue(form.Value["search"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Search); err != nil {
			return req, nil, echo.NewHTTPError(http.StatusBadRequest, "search must be a JSON object")
		}
	}

	var files []attachment.File
	for _, fh := range form.File["files"] {
		data, err := readUpload(fh)
		if err != nil {
			return req, nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		files = append(files, attachment.File{Name: fh.Filename, Data: data})
	}
	return req, files, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxUploadBytes {
		return nil, fmt.Errorf("file %s exceeds %d bytes", fh.Filename, maxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxUploadBytes))
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// ─────────────────────────────────────────────────────────────────────────────
// Files
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) serveFile(c *echo.Context) error {
	if s.Files == nil || s.Signer == nil {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	key := c.Param("key")
	if _, err := s.Signer.Verify(c.QueryParam("token"), key); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "invalid file token")
	}
	path, err := s.Files.Path(key)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	return c.File(path)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// requireCaller reads the agent id from the path and the caller identity from
// the headers set by the authenticating proxy.
func requireCaller(c *echo.Context) (int32, agent.UserContext, error) {
	var user agent.UserContext
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil || id <= 0 {
		return 0, user, echo.NewHTTPError(http.StatusBadRequest, "invalid agent id")
	}

	h := c.Request().Header
	user.UserID = strings.TrimSpace(h.Get(headerUserID))
	if user.UserID == "" {
		return 0, user, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if raw := h.Get(headerAppID); raw != "" {
		appID, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return 0, user, echo.NewHTTPError(http.StatusBadRequest, "invalid app id")
		}
		user.AppID = int32(appID)
	}
	if token, ok := strings.CutPrefix(h.Get("Authorization"), "Bearer "); ok {
		user.Token = strings.TrimSpace(token)
	}
	return int32(id), user, nil
}

// httpError maps agent errors to HTTP errors.
func httpError(err error) error {
	code, msg := errorStatus(err)
	return echo.NewHTTPError(code, msg)
}

// errorStatus returns the status and client message of an agent error.
// Execution failures are logged and reported with a generic message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, agent.ErrAccessDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, agent.ErrConfiguration):
		return http.StatusUnprocessableEntity, "agent is misconfigured"
	case errors.Is(err, store.ErrCheckpointConflict):
		return http.StatusConflict, "the conversation changed during the turn, retry"
	}
	slog.Error("agent request failed", "err", err)
	return http.StatusInternalServerError, "the agent failed to answer"
}

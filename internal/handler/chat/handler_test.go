package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	model "github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/z-relay/backend/internal/service/chat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type echoProvider struct {
	fail bool
}

func (p *echoProvider) Name() string { return "echo" }

func (p *echoProvider) NewSession(context.Context) (ai.Session, error) {
	return &echoSession{provider: p}, nil
}

type echoSession struct {
	provider *echoProvider
}

func (s *echoSession) Send(_ context.Context, text string) (string, error) {
	if s.provider.fail {
		return "", &ai.ProviderError{Provider: "echo", Op: "send", Err: errors.New("quota exceeded")}
	}
	return "echo: " + text, nil
}

func setupRouter(provider ai.Provider) (*chi.Mux, *chatservice.Service) {
	chatSvc := chatservice.NewService(chatservice.NewRegistry(provider, nil), nil, nil)

	r := chi.NewRouter()
	New(chatSvc, nil).RegisterRoutes(r)
	NewWebSocketHandler(chatSvc, nil).RegisterRoutes(r)
	return r, chatSvc
}

func doJSON(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func createChat(t *testing.T, r http.Handler) string {
	t.Helper()
	resp := doJSON(t, r, http.MethodPost, "/chats", "")
	require.Equal(t, http.StatusCreated, resp.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.NotEmpty(t, body["chat_id"])
	return body["chat_id"]
}

func TestCreateAndListChats(t *testing.T) {
	r, _ := setupRouter(&echoProvider{})
	first := createChat(t, r)
	second := createChat(t, r)

	resp := doJSON(t, r, http.MethodGet, "/chats", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var ids []string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &ids))
	assert.Equal(t, []string{first, second}, ids)
}

func TestListChatsEmptyIsJSONArray(t *testing.T) {
	r, _ := setupRouter(&echoProvider{})

	resp := doJSON(t, r, http.MethodGet, "/chats", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, "[]", resp.Body.String())
}

func TestPostMessageWithAI(t *testing.T) {
	r, _ := setupRouter(&echoProvider{})
	chatID := createChat(t, r)

	resp := doJSON(t, r, http.MethodPost, "/messages/"+chatID, `{"text":"hi","ask_ai":true}`)
	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Empty(t, resp.Header().Get(AIErrorHeader))

	var messages []model.Message
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &messages))
	require.Len(t, messages, 2)
	assert.False(t, messages[0].IsAI)
	assert.Equal(t, "hi", messages[0].Text)
	assert.True(t, messages[1].IsAI)
	assert.Equal(t, "echo: hi", messages[1].Text)
	assert.True(t, strings.HasSuffix(messages[0].Timestamp, "Z"))

	resp = doJSON(t, r, http.MethodGet, "/messages/"+chatID, "")
	require.Equal(t, http.StatusOK, resp.Code)
	var history []model.Message
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &history))
	assert.Equal(t, messages, history)
}

func TestPostMessageJSONFieldNames(t *testing.T) {
	r, _ := setupRouter(&echoProvider{})
	chatID := createChat(t, r)

	resp := doJSON(t, r, http.MethodPost, "/messages/"+chatID, `{"text":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.Code)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &raw))
	require.Len(t, raw, 1)
	for _, key := range []string{"id", "text", "timestamp", "is_ai"} {
		assert.Contains(t, raw[0], key)
	}
}

func TestPostMessageAIFailureDegrades(t *testing.T) {
	r, _ := setupRouter(&echoProvider{fail: true})
	chatID := createChat(t, r)

	resp := doJSON(t, r, http.MethodPost, "/messages/"+chatID, `{"text":"hi","ask_ai":true}`)
	require.Equal(t, http.StatusCreated, resp.Code)
	assert.Contains(t, resp.Header().Get(AIErrorHeader), "quota exceeded")

	var messages []model.Message
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &messages))
	require.Len(t, messages, 1)
	assert.False(t, messages[0].IsAI)
}

func TestPostMessageErrors(t *testing.T) {
	r, _ := setupRouter(&echoProvider{})
	chatID := createChat(t, r)

	cases := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown chat", "/messages/missing", `{"text":"hi"}`, http.StatusNotFound},
		{"unknown chat with bad body", "/messages/missing", `{`, http.StatusNotFound},
		{"missing text", "/messages/" + chatID, `{"ask_ai":true}`, http.StatusBadRequest},
		{"empty text", "/messages/" + chatID, `{"text":""}`, http.StatusBadRequest},
		{"invalid json", "/messages/" + chatID, `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSON(t, r, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.want, resp.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}

	resp := doJSON(t, r, http.MethodGet, "/messages/"+chatID, "")
	var history []model.Message
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &history))
	assert.Empty(t, history, "rejected requests must not append messages")
}

func TestListMessagesUnknownChat(t *testing.T) {
	r, _ := setupRouter(&echoProvider{})

	resp := doJSON(t, r, http.MethodGet, "/messages/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestWebSocketPostsMessages(t *testing.T) {
	r, chatSvc := setupRouter(&echoProvider{})
	chatID, err := chatSvc.CreateChat(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + chatID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello outgoingMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "message",
		"data": map[string]any{"text": "hi", "ask_ai": true},
	}))

	var frame struct {
		Type   string          `json:"type"`
		ChatID string          `json:"chatId"`
		Data   []model.Message `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "result", frame.Type)
	assert.Equal(t, chatID, frame.ChatID)
	require.Len(t, frame.Data, 2)
	assert.Equal(t, "echo: hi", frame.Data[1].Text)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "message", "data": map[string]any{"text": ""}}))
	var errFrame struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, "error", errFrame.Type)
	assert.Equal(t, chatservice.ErrInvalidInput.Error(), errFrame.Data["message"])

	history, err := chatSvc.Messages(context.Background(), chatID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestWebSocketUnknownChat(t *testing.T) {
	r, _ := setupRouter(&echoProvider{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketShutdownDrainsConnections(t *testing.T) {
	chatSvc := chatservice.NewService(chatservice.NewRegistry(&echoProvider{}, nil), nil, nil)
	chatID, err := chatSvc.CreateChat(context.Background())
	require.NoError(t, err)

	wsHandler := NewWebSocketHandler(chatSvc, nil)
	r := chi.NewRouter()
	wsHandler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + chatID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello outgoingMessage
	require.NoError(t, conn.ReadJSON(&hello))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "message",
		"data": map[string]any{"text": "before shutdown"},
	}))
	var result outgoingMessage
	require.NoError(t, conn.ReadJSON(&result))
	assert.Equal(t, "result", result.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsHandler.Shutdown(ctx))

	var frame outgoingMessage
	err = conn.ReadJSON(&frame)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	history, err := chatSvc.Messages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "before shutdown", history[0].Text)
}

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbridge/artifact"
	"github.com/hupe1980/agentbridge/auth"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/orchestrator"
)

type stubBridge struct {
	turn   func(in orchestrator.Inbound) (*core.ChannelReply, error)
	signIn func(ev auth.SignInEvent) (*core.ChannelReply, error)
}

func (s *stubBridge) HandleTurn(_ context.Context, in orchestrator.Inbound) (*core.ChannelReply, error) {
	return s.turn(in)
}

func (s *stubBridge) ResumeSignIn(_ context.Context, ev auth.SignInEvent) (*core.ChannelReply, error) {
	return s.signIn(ev)
}

type stubFiles map[string]string

func (f stubFiles) OpenFile(_ context.Context, fileID string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader(f[fileID])), "chart.png", nil
}

func newTestServer(b *stubBridge) *server {
	return &server{
		bridge:    b,
		files:     artifact.NewInMemoryStore(stubFiles{"file-1": "PNGDATA"}),
		publicURL: "https://bridge.test",
		logger:    logging.NoOpLogger{},
	}
}

func TestServer_MessageReplyWithDownloadableFile(t *testing.T) {
	srv := newTestServer(&stubBridge{turn: func(in orchestrator.Inbound) (*core.ChannelReply, error) {
		assert.Equal(t, "c1", in.ConversationID)
		assert.Equal(t, "plot it", in.Text)
		return &core.ChannelReply{Text: "here", Attachments: []core.FileRef{{FileID: "file-1"}}}, nil
	}})
	h := srv.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/messages",
		strings.NewReader(`{"conversation_id":"c1","user_id":"u1","message_id":"m1","text":"plot it"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ConversationID string         `json:"conversation_id"`
		Text           string         `json:"text"`
		Attachments    []core.FileRef `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "here", body.Text)
	require.Len(t, body.Attachments, 1)
	assert.Equal(t, "https://bridge.test/api/files/c1/file-1", body.Attachments[0].URL)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/c1/file-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PNGDATA", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `"chart.png"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/c2/file-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MessageValidationAndDuplicates(t *testing.T) {
	srv := newTestServer(&stubBridge{turn: func(orchestrator.Inbound) (*core.ChannelReply, error) {
		return &core.ChannelReply{}, orchestrator.ErrDuplicateMessage
	}})
	h := srv.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"text":"hi"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/messages",
		strings.NewReader(`{"conversation_id":"c1","user_id":"u1","message_id":"m1","text":"hi"}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_SignInMismatchIsForbidden(t *testing.T) {
	srv := newTestServer(&stubBridge{signIn: func(ev auth.SignInEvent) (*core.ChannelReply, error) {
		if ev.UserID != "u1" {
			return &core.ChannelReply{Failed: true}, core.ErrSignInMismatch
		}
		return &core.ChannelReply{Text: "done"}, nil
	}})
	h := srv.routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/signin/complete",
		strings.NewReader(`{"conversation_id":"c1","user_id":"u2","resource":"graph","token":"t"}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/signin/complete",
		strings.NewReader(`{"conversation_id":"c1","user_id":"u1","resource":"graph","token":"t"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"text":"done"`)
}

func TestReplyPoster_Send(t *testing.T) {
	got := make(chan map[string]any, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer hook.Close()

	p := &replyPoster{url: hook.URL, client: hook.Client(), server: newTestServer(&stubBridge{})}
	require.NoError(t, p.Send(context.Background(), "c1", &core.ChannelReply{Text: "resumed"}))
	body := <-got
	assert.Equal(t, "c1", body["conversation_id"])
	assert.Equal(t, "resumed", body["text"])

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	bad := &replyPoster{url: missing.URL, client: missing.Client(), server: p.server}
	assert.Error(t, bad.Send(context.Background(), "c1", &core.ChannelReply{Text: "x"}))
}

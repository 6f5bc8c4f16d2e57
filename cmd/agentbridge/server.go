package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hupe1980/agentbridge/artifact"
	"github.com/hupe1980/agentbridge/auth"
	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
	"github.com/hupe1980/agentbridge/orchestrator"
)

// turnHandler is the part of agentbridge.Bridge the HTTP surface needs.
type turnHandler interface {
	HandleTurn(ctx context.Context, in orchestrator.Inbound) (*core.ChannelReply, error)
	ResumeSignIn(ctx context.Context, ev auth.SignInEvent) (*core.ChannelReply, error)
}

type server struct {
	bridge    turnHandler
	files     *artifact.InMemoryStore
	publicURL string
	logger    logging.Logger
}

// messageResponse is the body answering POST /api/messages.
type messageResponse struct {
	ConversationID string `json:"conversation_id"`
	*core.ChannelReply
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages", s.handleMessage)
	mux.HandleFunc("POST /api/signin/complete", s.handleSignIn)
	mux.HandleFunc("GET /api/files/{conversation}/{id}", s.handleFile)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (s *server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var in orchestrator.Inbound
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&in); err != nil {
		http.Error(w, "invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}
	if in.ConversationID == "" || in.UserID == "" {
		http.Error(w, "conversation_id and user_id are required", http.StatusBadRequest)
		return
	}

	reply, err := s.bridge.HandleTurn(r.Context(), in)
	switch {
	case errors.Is(err, orchestrator.ErrDuplicateMessage):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		s.logger.Warn("turn ended with error", "conversation_id", in.ConversationID, "error", err)
	}
	s.writeReply(w, in.ConversationID, reply)
}

func (s *server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var ev auth.SignInEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&ev); err != nil {
		http.Error(w, "invalid sign-in event: "+err.Error(), http.StatusBadRequest)
		return
	}

	reply, err := s.bridge.ResumeSignIn(r.Context(), ev)
	switch {
	case errors.Is(err, core.ErrSignInMismatch):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case err != nil && !errors.Is(err, core.ErrNoSuspendedTurn):
		s.logger.Warn("sign-in resume ended with error", "conversation_id", ev.ConversationID, "error", err)
	}
	s.writeReply(w, ev.ConversationID, reply)
}

func (s *server) handleFile(w http.ResponseWriter, r *http.Request) {
	ref, data, err := s.files.Open(r.Context(), r.PathValue("conversation"), r.PathValue("id"))
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		http.NotFound(w, r)
		return
	case errors.Is(err, artifact.ErrTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		s.logger.Error("file download failed", "file_id", r.PathValue("id"), "error", err)
		http.Error(w, "file unavailable", http.StatusBadGateway)
		return
	}

	name := ref.Name
	if name == "" {
		name = ref.FileID
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// writeReply registers the reply's attachments for download and rewrites
// them into links before encoding.
func (s *server) writeReply(w http.ResponseWriter, conversationID string, reply *core.ChannelReply) {
	s.attach(conversationID, reply)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(messageResponse{ConversationID: conversationID, ChannelReply: reply}); err != nil {
		s.logger.Error("encoding reply failed", "conversation_id", conversationID, "error", err)
	}
}

func (s *server) attach(conversationID string, reply *core.ChannelReply) {
	if reply == nil || len(reply.Attachments) == 0 {
		return
	}
	s.files.Register(conversationID, reply.Attachments)
	for i, ref := range reply.Attachments {
		if ref.Name == "" {
			reply.Attachments[i].Name = ref.FileID
		}
		reply.Attachments[i].URL = fmt.Sprintf("%s/api/files/%s/%s", s.publicURL, conversationID, ref.FileID)
	}
}

// replyPoster delivers replies of turns that finish outside a request
// (resumed after sign-in, expired) to the channel's webhook.
type replyPoster struct {
	url    string
	client *http.Client
	server *server
}

func (p *replyPoster) Send(ctx context.Context, conversationID string, reply *core.ChannelReply) error {
	p.server.attach(conversationID, reply)
	body, err := json.Marshal(messageResponse{ConversationID: conversationID, ChannelReply: reply})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("reply webhook returned %s", resp.Status)
	}
	return nil
}

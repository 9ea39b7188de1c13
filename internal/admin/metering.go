package admin

import (
	"net/http"

	"github.com/digkill/NeuroMeter/internal/jobs"
	"github.com/digkill/NeuroMeter/internal/provider"
	"github.com/digkill/NeuroMeter/internal/service"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		http.Error(w, "model_id required", http.StatusBadRequest)
		return
	}
	msgs := make([]provider.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, provider.ChatMessage{Role: m.Role, Content: m.Content})
	}
	reply, err := s.svc.Chat.Chat(r.Context(), userID, service.ChatInput{
		ModelID:   req.ModelID,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req imageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		http.Error(w, "model_id required", http.StatusBadRequest)
		return
	}
	res, err := s.svc.Generation.Generate(r.Context(), userID, service.GenerationRequest{
		ModelID:  req.ModelID,
		Prompt:   req.Prompt,
		Params:   req.Params,
		Variants: req.Variants,
	})
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleEnqueueVideo books the tentative charge and answers 202 with the job.
func (s *Server) handleEnqueueVideo(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req videoRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ModelID == "" {
		http.Error(w, "model_id required", http.StatusBadRequest)
		return
	}
	job, err := s.svc.Videos.Enqueue(r.Context(), jobs.EnqueueRequest{
		UserID:            userID,
		ChatID:            req.ChatID,
		ProgressMessageID: req.ProgressMessageID,
		ModelID:           req.ModelID,
		Prompt:            req.Prompt,
		InputData:         req.Input,
		Units:             req.Units,
		Variants:          req.Variants,
	})
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.svc.Jobs.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err, http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	ModelID   string        `json:"model_id"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type imageRequest struct {
	ModelID  string         `json:"model_id"`
	Prompt   string         `json:"prompt"`
	Params   map[string]any `json:"params"`
	Variants []string       `json:"variants"`
}

type videoRequest struct {
	ChatID            int64          `json:"chat_id"`
	ProgressMessageID *int           `json:"progress_message_id"`
	ModelID           string         `json:"model_id"`
	Prompt            string         `json:"prompt"`
	Input             map[string]any `json:"input"`
	// Units is measured in the model's cost unit, usually seconds of video.
	Units    float64  `json:"units"`
	Variants []string `json:"variants"`
}

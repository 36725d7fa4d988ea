package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// HandleMessage runs the chat pipeline for one HTTP request and returns
// the response frame together with its follow-ups.
func (s *Server) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorFrame("invalid request body"))
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeJSON(w, http.StatusBadRequest, errorFrame("content is required"))
		return
	}

	resp, followUps := s.chat(r.Context(), content)
	s.logger.Debug("rest message handled",
		zap.Int("chars", len(content)),
		zap.Any("cached", resp.Metadata["cached"]))
	writeJSON(w, http.StatusOK, struct {
		*Frame
		Frames []*Frame `json:"frames,omitempty"`
	}{resp, followUps})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

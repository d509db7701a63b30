package webrtc

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// sessionDescription mirrors the browser's RTCSessionDescriptionInit JSON.
type sessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler returns an http.Handler serving the signaling endpoint:
//
//	POST /webrtc/offer  body {"type":"offer","sdp":"..."}, responds with the answer
func (s *Source) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webrtc/offer", s.handleOffer)
	return mux
}

func (s *Source) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req sessionDescription
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type != "offer" || req.SDP == "" {
		http.Error(w, "an SDP offer is required", http.StatusBadRequest)
		return
	}

	answer, err := s.Answer(r.Context(), req.SDP)
	if err != nil {
		slog.Warn("webrtc: answer offer", "err", err)
		http.Error(w, "failed to negotiate: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessionDescription{Type: "answer", SDP: answer})
}

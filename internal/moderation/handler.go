package moderation

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Handler serves gate over the same JSON contract Client speaks.
func Handler(gate Gate, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		v, err := gate.Check(r.Context(), req.Text)
		if err != nil {
			logger.Error("moderation check failed", zap.Error(err))
			http.Error(w, "moderation unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(checkResponse{Allowed: v.Allowed, Reason: v.Reason})
	}
}

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/umar/bonded-messaging/internal/apperr"
	"github.com/umar/bonded-messaging/internal/config"
	"github.com/umar/bonded-messaging/internal/models"
)

var bcryptCost = 12

// AccountStore is implemented by database.Store.
type AccountStore interface {
	CreateAccount(ctx context.Context, username, displayName, passwordHash string) (*models.Profile, error)
	Credentials(ctx context.Context, username string) (*models.Profile, string, error)
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string          `json:"token"`
	User  *models.Profile `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func RegisterHandler(store AccountStore, cfg config.JWT, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		req.Username = strings.TrimSpace(req.Username)
		req.DisplayName = strings.TrimSpace(req.DisplayName)
		if req.DisplayName == "" {
			req.DisplayName = req.Username
		}

		if req.Username == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}
		if len(req.Password) < 6 {
			writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcryptCost)
		if err != nil {
			logger.Error("failed to hash password", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		user, err := store.CreateAccount(r.Context(), req.Username, req.DisplayName, string(hash))
		if err != nil {
			if strings.Contains(err.Error(), "duplicate") {
				writeError(w, http.StatusConflict, "username already exists")
				return
			}
			logger.Error("failed to create account", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		token, err := GenerateToken(user.ID, user.Username, cfg.Secret, cfg.TTL)
		if err != nil {
			logger.Error("failed to generate token", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
	}
}

func LoginHandler(store AccountStore, cfg config.JWT, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.Username == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		user, hash, err := store.Credentials(r.Context(), req.Username)
		if err != nil {
			if apperr.IsNotFound(err) {
				writeError(w, http.StatusUnauthorized, "invalid username or password")
				return
			}
			logger.Error("failed to get credentials", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid username or password")
			return
		}

		token, err := GenerateToken(user.ID, user.Username, cfg.Secret, cfg.TTL)
		if err != nil {
			logger.Error("failed to generate token", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
	}
}

func MeHandler(store AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := store.GetProfile(r.Context(), UserIDFrom(r.Context()))
		if err != nil {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

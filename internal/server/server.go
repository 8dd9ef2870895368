// Package server exposes the admin/overlay HTTP API and the OAuth login
// flow.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/user/pointqueue/internal/auth"
	"github.com/user/pointqueue/internal/config"
	"github.com/user/pointqueue/internal/engine"
	"github.com/user/pointqueue/internal/storage"
	"github.com/user/pointqueue/internal/twitch"
	"github.com/user/pointqueue/pkg/logger"
)

// HelixClient is the slice of the Twitch client the HTTP layer needs.
type HelixClient interface {
	Configured() bool
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*twitch.Token, error)
	GetSelf(ctx context.Context, accessToken string) (*twitch.User, error)
	ListCustomRewards(ctx context.Context, accessToken, broadcasterID string) ([]twitch.Reward, error)
}

// Server handles admin and overlay HTTP requests.
type Server struct {
	engine *engine.Engine
	auth   *auth.Manager
	creds  *storage.CredentialStore
	client HelixClient
	cfg    *config.Config

	mu         sync.Mutex
	oauthState string // CSRF state for the current login attempt
}

// New creates a new HTTP server.
func New(eng *engine.Engine, authMgr *auth.Manager, creds *storage.CredentialStore, client HelixClient, cfg *config.Config) *Server {
	return &Server{
		engine: eng,
		auth:   authMgr,
		creds:  creds,
		client: client,
		cfg:    cfg,
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/auth/start", s.handleAuthStart)
	r.Get("/auth/callback", s.handleAuthCallback)
	r.Post("/auth/logout", s.handleAuthLogout)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)
		r.Post("/queue/{id}/delete", s.handleQueueDelete)
		r.Post("/queue/{id}/move_up", s.handleQueueMoveUp)
		r.Post("/queue/{id}/move_down", s.handleQueueMoveDown)
		r.Get("/rewards", s.handleRewards)
	})

	// Overlay feed: read-only snapshot, no mutation routes.
	r.Get("/overlay/queue", s.handleQueue)

	return r
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if !s.client.Configured() {
		httpError(w, http.StatusBadRequest, "twitch client_id / client_secret are not configured")
		return
	}

	state := uuid.New().String()
	s.mu.Lock()
	s.oauthState = state
	s.mu.Unlock()

	http.Redirect(w, r, s.client.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errName := q.Get("error"); errName != "" {
		httpError(w, http.StatusBadRequest, "oauth error: "+errName+" "+q.Get("error_description"))
		return
	}

	code := q.Get("code")
	returnedState := q.Get("state")
	if code == "" || returnedState == "" {
		httpError(w, http.StatusBadRequest, "missing code or state")
		return
	}

	s.mu.Lock()
	expected := s.oauthState
	s.mu.Unlock()
	if expected == "" || returnedState != expected {
		httpError(w, http.StatusBadRequest, "state mismatch")
		return
	}

	token, err := s.client.Exchange(r.Context(), code)
	if err != nil {
		logger.Error().Err(err).Msg("OAuth code exchange failed")
		httpError(w, http.StatusBadGateway, "failed to exchange authorization code")
		return
	}
	if err := s.auth.Store(token); err != nil {
		s.internalError(w, err)
		return
	}

	// Resolve and store the broadcaster identity; the feed can recover this
	// later if it fails now.
	if me, err := s.client.GetSelf(r.Context(), token.AccessToken); err != nil {
		logger.Error().Err(err).Msg("Authorized but failed to resolve broadcaster")
	} else if err := s.creds.SetBroadcaster(me.ID, me.Login); err != nil {
		logger.Error().Err(err).Msg("Failed to store broadcaster identity")
	} else {
		logger.Info().Str("broadcaster_login", me.Login).Msg("Authorized")
	}

	s.mu.Lock()
	s.oauthState = ""
	s.mu.Unlock()

	http.Redirect(w, r, "/admin", http.StatusTemporaryRedirect)
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Clear(); err != nil {
		s.internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Authenticated           bool     `json:"authenticated"`
	BroadcasterID           string   `json:"broadcaster_id,omitempty"`
	BroadcasterLogin        string   `json:"broadcaster_login,omitempty"`
	TargetRewardIDs         []string `json:"target_reward_ids"`
	ParticipationWindowSecs int64    `json:"participation_window_secs"`
	ServerTime              int64    `json:"server_time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	authenticated, err := s.auth.Authenticated()
	if err != nil {
		s.internalError(w, err)
		return
	}
	broadcasterID, broadcasterLogin, err := s.creds.Broadcaster()
	if err != nil {
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Authenticated:           authenticated,
		BroadcasterID:           broadcasterID,
		BroadcasterLogin:        broadcasterLogin,
		TargetRewardIDs:         s.cfg.Twitch.TargetRewardIDs,
		ParticipationWindowSecs: s.cfg.Queue.ParticipationWindowSecs,
		ServerTime:              time.Now().Unix(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Snapshot()
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type deleteRequest struct {
	Mode storage.DeleteMode `json:"mode"`
}

func (s *Server) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Mode.Valid() {
		httpError(w, http.StatusBadRequest, `mode must be "completed" or "canceled"`)
		return
	}
	s.applyQueueOp(w, s.engine.Delete(chi.URLParam(r, "id"), req.Mode))
}

func (s *Server) handleQueueMoveUp(w http.ResponseWriter, r *http.Request) {
	s.applyQueueOp(w, s.engine.MoveUp(chi.URLParam(r, "id")))
}

func (s *Server) handleQueueMoveDown(w http.ResponseWriter, r *http.Request) {
	s.applyQueueOp(w, s.engine.MoveDown(chi.URLParam(r, "id")))
}

func (s *Server) applyQueueOp(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "queue item not found")
	default:
		s.internalError(w, err)
	}
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	token, err := s.auth.AccessToken(r.Context())
	if errors.Is(err, auth.ErrAuthRequired) {
		httpError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	broadcasterID, _, err := s.creds.Broadcaster()
	if err != nil {
		s.internalError(w, err)
		return
	}
	if broadcasterID == "" {
		me, err := s.client.GetSelf(r.Context(), token)
		if err != nil {
			s.internalError(w, err)
			return
		}
		if err := s.creds.SetBroadcaster(me.ID, me.Login); err != nil {
			s.internalError(w, err)
			return
		}
		broadcasterID = me.ID
	}

	rewards, err := s.client.ListCustomRewards(r.Context(), token, broadcasterID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rewards)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	logger.Error().Err(err).Msg("Internal error")
	httpError(w, http.StatusInternalServerError, "internal error")
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/soyart/spgains/entity"
	"github.com/soyart/spgains/rdb"
	"github.com/soyart/spgains/view"
)

const (
	Version = "spgains v0.1.0"

	DefaultMaxSessions = 4096
	DefaultSessionTTL  = rdb.DefaultStateTTL
)

// Querier is what the server needs from the query service.
type Querier interface {
	view.Fetcher
	Collaterals() []entity.Collateral
}

type QueryRequest struct {
	Session string `json:"session"`
	Address string `json:"address"`
}

type StateResponse struct {
	Session string       `json:"session"`
	State   entity.State `json:"state"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type liveSession struct {
	session  *view.Session
	lastSeen time.Time
}

// Server keeps recently used sessions live. Idle or least recently used
// sessions are dropped and rebuilt from the store on their next request.
type Server struct {
	querier Querier
	store   rdb.StateStore
	logger  *zap.Logger

	maxSessions int
	sessionTTL  time.Duration

	mu       sync.Mutex
	sessions lru.BasicLRU[string, *liveSession]
}

type Option func(*Server)

func WithMaxSessions(n int) Option {
	return func(s *Server) {
		s.maxSessions = n
	}
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.sessionTTL = ttl
	}
}

func New(querier Querier, store rdb.StateStore, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		querier:     querier,
		store:       store,
		logger:      logger,
		maxSessions: DefaultMaxSessions,
		sessionTTL:  DefaultSessionTTL,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.maxSessions <= 0 {
		s.maxSessions = DefaultMaxSessions
	}

	s.sessions = lru.NewBasicLRU[string, *liveSession](s.maxSessions)
	return s
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(time.Now())
	return s.sessions.Len()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/version", s.handleVersion)

	return s.recoverer(cors.Default().Handler(mux))
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("recovered from panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
		return
	}

	if req.Session == "" {
		req.Session = uuid.NewString()
	}

	session, err := s.session(r.Context(), req.Session)
	if err != nil {
		s.logger.Error("failed to load session", zap.String("session", req.Session), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load session"})
		return
	}

	state := session.OnAddressSubmitted(r.Context(), req.Address)

	s.writeJSON(w, http.StatusOK, StateResponse{Session: req.Session, State: state})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}

	id := r.URL.Query().Get("session")
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "missing session"})
		return
	}

	if session, ok := s.lookup(id); ok {
		s.writeJSON(w, http.StatusOK, StateResponse{Session: id, State: session.Snapshot()})
		return
	}

	state, found, err := s.store.GetState(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get session state", zap.String("session", id), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to load session"})
		return
	}

	if !found {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "session not found"})
		return
	}

	s.writeJSON(w, http.StatusOK, StateResponse{Session: id, State: state})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// session returns the live session for id, restoring it from the store
// if another instance (or an earlier run) created it.
func (s *Server) session(ctx context.Context, id string) (*view.Session, error) {
	if session, ok := s.lookup(id); ok {
		return session, nil
	}

	// Store round trips happen outside the lock
	state, found, err := s.store.GetState(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if live, ok := s.sessions.Get(id); ok {
		// Created by a concurrent request in the meantime
		live.lastSeen = now
		return live.session, nil
	}

	session := view.NewSession(
		id,
		s.querier.Collaterals(),
		s.querier,
		view.WithLogger(s.logger),
		view.WithListener(s.persist(id)),
	)

	if found {
		session.Restore(state)
	}

	s.sessions.Add(id, &liveSession{session: session, lastSeen: now})
	s.expireLocked(now)

	return session, nil
}

func (s *Server) lookup(id string) (*view.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.expireLocked(now)

	live, ok := s.sessions.Get(id)
	if !ok {
		return nil, false
	}

	live.lastSeen = now
	return live.session, true
}

// expireLocked drops idle sessions. Recency order in the LRU is lastSeen
// order, so only the oldest entries need checking.
func (s *Server) expireLocked(now time.Time) {
	for {
		_, oldest, ok := s.sessions.GetOldest()
		if !ok || now.Sub(oldest.lastSeen) < s.sessionTTL {
			return
		}

		s.sessions.RemoveOldest()
	}
}

func (s *Server) persist(id string) view.Listener {
	return func(state entity.State) {
		if err := s.store.SaveState(context.Background(), id, state); err != nil {
			s.logger.Error("failed to save session state", zap.String("session", id), zap.Error(err))
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to write json response", zap.Int("status", status), zap.Error(err))
	}
}

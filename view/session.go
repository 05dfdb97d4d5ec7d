package view

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/soyart/spgains/entity"
	"github.com/soyart/spgains/stabilitypool"
)

const (
	TextInvalidAddress = "Invalid address"
	TextTransportError = "Could not reach the Ethereum node, please try again"
	TextContractError  = "Stability Pool contract call failed"
	TextUnknownError   = "Query failed"
)

type Fetcher interface {
	FetchClaimableAmounts(ctx context.Context, depositor string) (entity.Table, error)
}

// Listener receives every state change of a session, e.g. to re-render.
type Listener func(entity.State)

// Session holds the view state of one user. Submissions may overlap:
// a newer submission cancels the older one and the older result is dropped.
type Session struct {
	ID string

	fetcher  Fetcher
	logger   *zap.Logger
	listener Listener

	mu     sync.Mutex
	state  entity.State
	token  uint64
	cancel context.CancelFunc
}

type Option func(*Session)

func WithListener(l Listener) Option {
	return func(s *Session) {
		s.listener = l
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

func NewState(collaterals []entity.Collateral) entity.State {
	return entity.State{Rows: entity.NewTable(collaterals)}
}

func NewSession(id string, collaterals []entity.Collateral, fetcher Fetcher, opts ...Option) *Session {
	s := &Session{
		ID:      id,
		fetcher: fetcher,
		logger:  zap.NewNop(),
		state:   NewState(collaterals),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Restore replaces the session state, e.g. with one loaded from a store.
// Rows are only taken if they match the current table layout.
func (s *Session) Restore(state entity.State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.state.Rows
	if sameLayout(rows, state.Rows) {
		rows = state.Rows.Clone()
	}

	s.state = state.Clone()
	s.state.Rows = rows
	s.state.Loading = false
}

func (s *Session) Snapshot() entity.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Clone()
}

// OnAddressSubmitted validates raw and, if it is an address, fetches and
// swaps in a new table. It returns the state after the submission settles.
func (s *Session) OnAddressSubmitted(ctx context.Context, raw string) entity.State {
	raw = strings.TrimSpace(raw)

	s.mu.Lock()
	if !stabilitypool.IsValidAddress(raw) {
		s.state.ValidationText = TextInvalidAddress
		state := s.state.Clone()
		s.mu.Unlock()

		s.notify(state)
		return state
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.token++
	token := s.token

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.state.ValidationText = ""
	s.state.EOA = raw
	s.state.Loading = true
	s.state.Error = ""
	loading := s.state.Clone()
	s.mu.Unlock()

	s.notify(loading)

	table, err := s.fetcher.FetchClaimableAmounts(ctx, raw)
	cancel()

	s.mu.Lock()
	if token != s.token {
		// Superseded by a newer submission, which owns Loading now
		state := s.state.Clone()
		s.mu.Unlock()

		s.logger.Debug("dropped stale query result", zap.String("session", s.ID), zap.String("eoa", raw))
		return state
	}

	s.cancel = nil
	s.state.Loading = false

	switch {
	case err != nil:
		s.state.Error = ErrorText(err)
		s.logger.Error("query failed", zap.String("session", s.ID), zap.String("eoa", raw), zap.Error(err))

	case !sameLayout(s.state.Rows, table):
		s.state.Error = TextUnknownError
		s.logger.Error("query returned unexpected table", zap.String("session", s.ID), zap.Int("rows", len(table)))

	default:
		s.state.Rows = table.Clone()
		s.state.UpdatedAt = time.Now()
	}

	state := s.state.Clone()
	s.mu.Unlock()

	s.notify(state)
	return state
}

func (s *Session) notify(state entity.State) {
	if s.listener != nil {
		s.listener(state)
	}
}

// ErrorText maps a query error to what the user sees.
func ErrorText(err error) string {
	switch {
	case stabilitypool.IsTransport(err):
		return TextTransportError
	case stabilitypool.IsContractCall(err):
		return TextContractError
	default:
		return TextUnknownError
	}
}

func sameLayout(a, b entity.Table) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i].Symbol != b[i].Symbol {
			return false
		}
	}

	return true
}

package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Session lanes. Without parallel analysis every lane maps to LaneMain; with
// it, LaneStatistics shares LaneMain so a cycle holds at most three sessions.
const (
	LaneMain       = "main"
	LaneStatistics = "statistics"
	LaneIndexes    = "indexes"
	LaneQueries    = "queries"
)

// ErrScopeClosed is returned when a session is requested after Close
var ErrScopeClosed = errors.New("connection scope is closed")

// SessionProvider hands out the sessions of the current cycle
type SessionProvider interface {
	Session(ctx context.Context, lane string) (Querier, error)
}

// CycleScope is a SessionProvider that must be closed at the end of the cycle
type CycleScope interface {
	SessionProvider
	Close() error
}

// Scope acquires dedicated connections lazily and releases all of them on
// Close.
type Scope struct {
	db     *sqlx.DB
	shared bool
	log    *logrus.Logger

	mu     sync.Mutex
	conns  map[string]*sqlx.Conn
	closed bool
}

func newScope(db *sqlx.DB, shared bool, log *logrus.Logger) *Scope {
	return &Scope{
		db:     db,
		shared: shared,
		log:    log,
		conns:  make(map[string]*sqlx.Conn),
	}
}

// Session returns the connection bound to lane, opening it on first use.
// A failed open leaves nothing behind, so the next call retries. The scope
// lock is not held while waiting for the pool.
func (s *Scope) Session(ctx context.Context, lane string) (Querier, error) {
	if s.shared || lane == "" || lane == LaneStatistics {
		lane = LaneMain
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrScopeClosed
	}
	if conn, ok := s.conns[lane]; ok {
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s session: %w", lane, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		conn.Close()
		return nil, ErrScopeClosed
	}
	if existing, ok := s.conns[lane]; ok {
		conn.Close()
		return existing, nil
	}
	s.conns[lane] = conn
	s.log.WithField("lane", lane).Debug("Opened session")

	return conn, nil
}

// Open returns the number of sessions currently held
func (s *Scope) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close returns every session to the pool. It is safe to call more than once.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for lane, conn := range s.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s session: %w", lane, err))
		}
	}
	s.conns = make(map[string]*sqlx.Conn)
	s.closed = true

	return errors.Join(errs...)
}

package proxy

import (
	"context"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/cdn"
	"github.com/fruitsalade/bubblemirror/internal/metrics"
)

// Close reasons, also used as metric labels.
const (
	reasonIdle     = "idle timeout"
	reasonErrors   = "too many errors"
	reasonClient   = "client"
	reasonShutdown = "shutdown"
)

// wsConn is the part of *websocket.Conn a session uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Relay serves shard requests over WebSocket sessions. Responses are sent
// immediately or, when a client asks for batching, flushed as OPK1
// envelopes on every flush tick.
type Relay struct {
	registry *cdn.Registry
	logger   *zap.Logger
	clock    clock.Clock
	cache    *lru.Cache[string, []byte]
	upgrader websocket.Upgrader

	flushInterval time.Duration
	reapInterval  time.Duration
	idleTimeout   time.Duration
	maxErrors     int

	mu       sync.Mutex
	sessions map[string]*session
}

func newRelay(opts Options) (*Relay, error) {
	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Relay{
		registry: opts.Registry,
		logger:   opts.Logger.Named("relay"),
		clock:    opts.Clock,
		cache:    cache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		flushInterval: opts.FlushInterval,
		reapInterval:  opts.ReapInterval,
		idleTimeout:   opts.IdleTimeout,
		maxErrors:     opts.MaxErrors,
		sessions:      make(map[string]*session),
	}, nil
}

// ServeHTTP upgrades the request and runs the session until the socket
// closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s := r.open(conn)
	defer r.release(s)
	s.readLoop()
}

func (r *Relay) open(conn wsConn) *session {
	s := &session{
		id:         uuid.NewString(),
		conn:       conn,
		relay:      r,
		options:    defaultClientOptions(),
		pending:    make(map[string][][]byte),
		lastActive: r.clock.Now(),
	}
	s.logger = r.logger.With(zap.String("session", s.id))

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	metrics.SessionOpened()
	s.logger.Debug("session opened")
	return s
}

func (r *Relay) release(s *session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()

	reason := s.closeWith(websocket.CloseNormalClosure, reasonClient)
	metrics.SessionClosed(reason)
	stats := s.stats()
	s.logger.Debug("session closed",
		zap.String("reason", reason),
		zap.Int64("rx", stats.rx),
		zap.Int64("tx", stats.tx),
		zap.Int("errors", stats.errors))
}

func (r *Relay) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Sessions returns the number of open sessions.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run drives the flusher and the reaper until ctx is done, then closes
// every open session.
func (r *Relay) Run(ctx context.Context) {
	flush := r.clock.Ticker(r.flushInterval)
	defer flush.Stop()
	reap := r.clock.Ticker(r.reapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, s := range r.snapshot() {
				s.closeWith(websocket.CloseGoingAway, reasonShutdown)
			}
			return
		case <-flush.C:
			r.flush()
		case <-reap.C:
			r.reap(r.clock.Now())
		}
	}
}

func (r *Relay) flush() {
	for _, s := range r.snapshot() {
		s.flush()
	}
}

// reap closes sessions that have been idle too long or have accumulated
// too many protocol errors.
func (r *Relay) reap(now time.Time) {
	for _, s := range r.snapshot() {
		st := s.stats()
		s.logger.Debug("session stats",
			zap.String("account_id", st.account),
			zap.Int64("rx", st.rx),
			zap.Int64("tx", st.tx))

		switch {
		case now.Sub(st.lastActive) > r.idleTimeout:
			s.closeWith(websocket.CloseNormalClosure, reasonIdle)
		case st.errors > r.maxErrors:
			s.closeWith(websocket.ClosePolicyViolation, reasonErrors)
		}
	}
}

// shard returns the bytes of one shard file, consulting the cache first.
func (r *Relay) shard(file string) ([]byte, error) {
	if data, ok := r.cache.Get(file); ok {
		metrics.RecordShardCache(true)
		return data, nil
	}
	metrics.RecordShardCache(false)
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	r.cache.Add(file, data)
	return data, nil
}

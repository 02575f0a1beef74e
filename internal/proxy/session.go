package proxy

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/bubblemirror/internal/cdn"
	"github.com/fruitsalade/bubblemirror/internal/metrics"
)

// Binary frames carry a type byte followed by 20-byte shard hashes.
const hashSize = 20

const writeWait = time.Second

var errSessionClosed = errors.New("session closed")

// ClientOptions controls how responses are sent to a client.
type ClientOptions struct {
	BatchResponses bool `json:"batch_responses"`
	PackVersion    int  `json:"pack_version"`
}

func defaultClientOptions() ClientOptions {
	return ClientOptions{BatchResponses: false, PackVersion: 1}
}

// shardRef addresses one shard: prefix and suffix are the hex hash split
// after four characters.
type shardRef struct {
	prefix  string
	account string
	kind    string
	suffix  string
}

type sessionStats struct {
	account    string
	rx, tx     int64
	errors     int
	lastActive time.Time
}

type session struct {
	id     string
	conn   wsConn
	relay  *Relay
	logger *zap.Logger

	// writeMu serializes frames on the socket.
	writeMu sync.Mutex

	mu          sync.Mutex
	account     string
	entry       cdn.Entry
	hasEntry    bool
	options     ClientOptions
	pending     map[string][][]byte
	lastActive  time.Time
	rx, tx      int64
	errors      int
	closed      bool
	closeReason string
}

func (s *session) readLoop() {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("socket read failed", zap.Error(err))
			}
			return
		}
		s.touch()

		switch mt {
		case websocket.TextMessage:
			metrics.RecordFrame("rx", "text")
			s.handleText(string(data))
		case websocket.BinaryMessage:
			metrics.RecordFrame("rx", "binary")
			s.handleBinary(data)
		}
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = s.relay.clock.Now()
	s.mu.Unlock()
}

func (s *session) handleText(msg string) {
	msg = strings.TrimPrefix(msg, "/cdn/")

	switch {
	case strings.HasPrefix(msg, "/auth/"), strings.HasPrefix(msg, "/headers/"):
	case strings.HasPrefix(msg, "/account_id/"):
		s.bind(strings.TrimPrefix(msg, "/account_id/"))
	case strings.HasPrefix(msg, "/options/"):
		var opts ClientOptions
		if err := json.Unmarshal([]byte(strings.TrimPrefix(msg, "/options/")), &opts); err != nil {
			s.fail("bad_options", err)
			return
		}
		s.mu.Lock()
		s.options = opts
		s.mu.Unlock()
	case strings.HasPrefix(msg, "/"):
		s.fail("unknown_command", nil)
	default:
		parts := strings.Split(msg, "/")
		if len(parts) < 4 {
			s.fail("bad_path", nil)
			return
		}
		s.countRx(1)
		s.serve(shardRef{prefix: parts[0], account: parts[1], kind: parts[2], suffix: parts[3]})
	}
}

func (s *session) handleBinary(data []byte) {
	if len(data) < 1 {
		s.fail("empty_frame", nil)
		return
	}
	kind := string(data[:1])

	s.mu.Lock()
	account := s.account
	s.mu.Unlock()

	for i := 1; i < len(data); i += hashSize {
		end := min(i+hashSize, len(data))
		h := hex.EncodeToString(data[i:end])
		if len(h) <= 4 {
			s.fail("bad_hash", nil)
			continue
		}
		s.countRx(1)
		s.serve(shardRef{prefix: h[:4], account: account, kind: kind, suffix: h[4:]})
	}
}

// bind sets the account used by subsequent binary requests.
func (s *session) bind(account string) {
	e, ok := s.relay.registry.Get(account)

	s.mu.Lock()
	s.account = account
	s.entry, s.hasEntry = e, ok
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("account not registered", zap.String("account_id", account))
	}
}

// entryFor returns the registry entry serving the session, refreshing the
// bound snapshot until its shard directories are known.
func (s *session) entryFor(account string) (cdn.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasEntry && s.entry.Resolved() {
		return s.entry, true
	}
	id := account
	if s.hasEntry {
		id = s.entry.RefID
	}
	e, ok := s.relay.registry.Get(id)
	if !ok {
		return cdn.Entry{}, false
	}
	s.entry, s.hasEntry = e, true
	return e, true
}

// serve answers one shard request with the hash followed by the shard
// bytes. A shard that cannot be read is answered with the bare hash.
func (s *session) serve(ref shardRef) {
	hash, err := hex.DecodeString(ref.prefix + ref.suffix)
	if err != nil {
		s.fail("bad_hash", err)
		return
	}

	e, ok := s.entryFor(ref.account)
	dir := e.ShardDir(ref.kind)
	if !ok || dir == "" {
		s.fail("unknown_cdn", nil)
		s.send(hash, "binary")
		return
	}

	data, err := s.relay.shard(filepath.Join(dir, ref.prefix, ref.suffix))
	if err != nil {
		s.fail("missing_shard", err)
		s.send(hash, "binary")
		return
	}

	size := len(hash) + len(data)
	if ref.kind == cdn.KindGeometry && size%4 != 0 {
		size += 4 - size%4
	}
	combined := make([]byte, size)
	copy(combined, hash)
	copy(combined[len(hash):], data)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastActive = s.relay.clock.Now()
	if s.options.BatchResponses {
		s.pending[ref.kind] = append(s.pending[ref.kind], combined)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.send(combined, "binary") == nil {
		s.countTx(1)
	}
}

// flush sends queued responses, one envelope per resource type.
func (s *session) flush() {
	s.mu.Lock()
	if s.closed || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.pending
	s.pending = make(map[string][][]byte)
	s.mu.Unlock()

	kinds := make([]string, 0, len(pending))
	for k := range pending {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		items := pending[kind]
		if len(items) == 0 {
			continue
		}
		if s.send(EncodeEnvelope(kind[0], items), "batch") == nil {
			metrics.RecordBatch(kind, len(items))
			s.countTx(int64(len(items)))
		}
	}
}

// send writes one binary frame. Failures are counted and logged only.
func (s *session) send(data []byte, kind string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errSessionClosed
	}

	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.BinaryMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		metrics.RecordRelayError("send")
		s.logger.Debug("socket send failed", zap.Error(err))
		return err
	}
	metrics.RecordFrame("tx", kind)
	return nil
}

// closeWith closes the socket with a close frame. Only the first call has
// an effect; the reason it recorded is returned.
func (s *session) closeWith(code int, reason string) string {
	s.mu.Lock()
	if s.closed {
		r := s.closeReason
		s.mu.Unlock()
		return r
	}
	s.closed = true
	s.closeReason = reason
	s.mu.Unlock()

	if reason != reasonClient {
		s.logger.Info("closing session", zap.Int("code", code), zap.String("reason", reason))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		s.logger.Debug("close frame not sent", zap.Error(err))
	}
	s.conn.Close()
	return reason
}

func (s *session) fail(reason string, err error) {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()

	metrics.RecordRelayError(reason)
	if err != nil {
		s.logger.Debug("relay request failed", zap.String("reason", reason), zap.Error(err))
	}
}

func (s *session) countRx(n int64) {
	s.mu.Lock()
	s.rx += n
	s.mu.Unlock()
}

func (s *session) countTx(n int64) {
	s.mu.Lock()
	s.tx += n
	s.mu.Unlock()
}

func (s *session) stats() sessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessionStats{
		account:    s.account,
		rx:         s.rx,
		tx:         s.tx,
		errors:     s.errors,
		lastActive: s.lastActive,
	}
}

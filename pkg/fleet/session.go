package fleet

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/si64-net/si64/pkg/model"
)

const writeTimeout = 10 * time.Second

// Session owns the transport of one connected node. All writes funnel
// through a single mutex so the scheduler, the sentinel and the session
// loop can share the connection without interleaving frames.
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	node       model.Node
	currentJob *model.Job
}

func newSession(conn *websocket.Conn, node model.Node) *Session {
	return &Session{conn: conn, node: node}
}

// Node returns a copy of the session's node record.
func (s *Session) Node() model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

func (s *Session) setStatus(status model.NodeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.node.Status = status
	s.node.LastSeen = time.Now().UTC()
}

func (s *Session) setWallet(wallet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wallet != "" {
		s.node.Wallet = wallet
	}
}

// claimForDispatch marks the session busy with a job if it is idle and
// unoccupied, returning false otherwise. Competing dispatch paths use this
// as the single admission point.
func (s *Session) claimForDispatch(job *model.Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.node.Status != model.NodeStatusIdle || s.currentJob != nil {
		return false
	}
	s.currentJob = job
	s.node.Status = model.NodeStatusBusy
	return true
}

// finishJob releases the session's current job if it matches jobID.
func (s *Session) finishJob(jobID string) *model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentJob == nil || s.currentJob.ID != jobID {
		return nil
	}
	job := s.currentJob
	s.currentJob = nil
	return job
}

// abandonedJob takes whatever job the session still held, for requeueing
// after a disconnect.
func (s *Session) abandonedJob() *model.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.currentJob
	s.currentJob = nil
	return job
}

// WriteJSON sends one message, serialized against all other writers on
// this session.
func (s *Session) WriteJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// CloseWithCode sends a close frame carrying an application close code and
// then drops the transport.
func (s *Session) CloseWithCode(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = s.conn.Close()
}

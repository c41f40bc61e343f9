package hub

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentgrid/a2ahub/internal/types"
)

// sendBufferSize is the per-agent outbound frame buffer. A full buffer
// marks the agent slow; the frame goes back to its queue instead.
const sendBufferSize = 256

// Per-agent ingress limits for stream publishes.
const (
	publishRatePerSec = 10
	publishBurst      = 100
)

var errAgentDetached = errors.New("agent has no attached stream")

// outFrame pairs a serialized frame with the message it carries. Control
// frames (receipts, errors) have a nil msg; message frames keep theirs so
// an undelivered frame can go back to the agent's queue.
type outFrame struct {
	data []byte
	msg  *types.Message
}

// agentConn is one row of the connected-agent table. The registration
// itself lives in the router; this tracks the stream attachment and
// liveness. An entry survives detach so liveness history and the rate
// limiter carry across reconnects.
type agentConn struct {
	agentID string
	limiter *rate.Limiter

	lastHeartbeat atomic.Int64 // unix milli

	mu   sync.Mutex
	conn net.Conn      // nil while detached
	send chan outFrame // non-nil while attached
	stop chan struct{} // closed on detach; tells the write pump to exit

	// flushMu serializes queue flushes so per-recipient FIFO holds.
	flushMu sync.Mutex
}

func newAgentConn(agentID string) *agentConn {
	ac := &agentConn{
		agentID: agentID,
		limiter: rate.NewLimiter(rate.Limit(publishRatePerSec), publishBurst),
	}
	ac.touch()
	return ac
}

func (ac *agentConn) touch() {
	ac.lastHeartbeat.Store(time.Now().UnixMilli())
}

func (ac *agentConn) heartbeatAge(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-ac.lastHeartbeat.Load()) * time.Millisecond
}

// attach installs a new stream, returning the superseded connection (nil
// if the agent was detached), any frames its buffer never delivered, and
// the channels for the new write pump.
func (ac *agentConn) attach(conn net.Conn) (prev net.Conn, orphans []outFrame, send chan outFrame, stop chan struct{}) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	prev = ac.conn
	if ac.stop != nil {
		close(ac.stop)
		orphans = drainFrames(ac.send)
	}
	ac.conn = conn
	ac.send = make(chan outFrame, sendBufferSize)
	ac.stop = make(chan struct{})
	ac.touch()
	return prev, orphans, ac.send, ac.stop
}

// detach drops the attachment if conn is still the current stream,
// returning any buffered frames the write pump never sent. A stale detach
// (the agent already reconnected) is a no-op.
func (ac *agentConn) detach(conn net.Conn) ([]outFrame, bool) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.conn != conn {
		return nil, false
	}
	close(ac.stop)
	orphans := drainFrames(ac.send)
	ac.conn = nil
	ac.send = nil
	ac.stop = nil
	return orphans, true
}

// drainFrames empties a send buffer in FIFO order. Called with the stop
// channel already closed, so the write pump is on its way out.
func drainFrames(send chan outFrame) []outFrame {
	var frames []outFrame
	for {
		select {
		case f := <-send:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func (ac *agentConn) attached() bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.conn != nil
}

// enqueueFrame hands a frame to the write pump, with the message it
// carries when there is one. It fails fast when the agent is detached or
// its buffer is full.
func (ac *agentConn) enqueueFrame(frame []byte, msg *types.Message) error {
	ac.mu.Lock()
	send, stop := ac.send, ac.stop
	ac.mu.Unlock()
	if send == nil {
		return errAgentDetached
	}
	select {
	case send <- outFrame{data: frame, msg: msg}:
		return nil
	case <-stop:
		return errAgentDetached
	default:
		return errors.New("send buffer full")
	}
}

// current returns the live stream state.
func (ac *agentConn) current() (net.Conn, chan outFrame, chan struct{}) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.conn, ac.send, ac.stop
}

// agentTable tracks connected agents. Entries are created on registration
// and removed on unregistration; stream attach/detach flips row state.
type agentTable struct {
	agents sync.Map // agentID -> *agentConn
	total  atomic.Int64
}

func newAgentTable() *agentTable {
	return &agentTable{}
}

// ensure returns the row for agentID, creating it if needed.
func (t *agentTable) ensure(agentID string) *agentConn {
	if v, ok := t.agents.Load(agentID); ok {
		return v.(*agentConn)
	}
	v, loaded := t.agents.LoadOrStore(agentID, newAgentConn(agentID))
	if !loaded {
		t.total.Add(1)
	}
	return v.(*agentConn)
}

func (t *agentTable) get(agentID string) (*agentConn, bool) {
	v, ok := t.agents.Load(agentID)
	if !ok {
		return nil, false
	}
	return v.(*agentConn), true
}

func (t *agentTable) remove(agentID string) (*agentConn, bool) {
	v, ok := t.agents.LoadAndDelete(agentID)
	if !ok {
		return nil, false
	}
	t.total.Add(-1)
	return v.(*agentConn), true
}

// size is the number of registered rows, attached or not.
func (t *agentTable) size() int {
	return int(t.total.Load())
}

// attachedCount counts rows with a live stream.
func (t *agentTable) attachedCount() int {
	n := 0
	t.agents.Range(func(_, v any) bool {
		if v.(*agentConn).attached() {
			n++
		}
		return true
	})
	return n
}

// staleAttached returns attached rows whose last heartbeat is older than
// maxAge.
func (t *agentTable) staleAttached(now time.Time, maxAge time.Duration) []*agentConn {
	var stale []*agentConn
	t.agents.Range(func(_, v any) bool {
		ac := v.(*agentConn)
		if ac.attached() && ac.heartbeatAge(now) > maxAge {
			stale = append(stale, ac)
		}
		return true
	})
	return stale
}

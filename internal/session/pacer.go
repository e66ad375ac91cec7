package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dialtone/p3d/internal/wire"
)

// Pacer owns egress for one connection. Two queues feed a burst-capped
// drain: priority (broadcasts, ACKs) always empties before normal
// (bulk-transfer data) within a cycle. Enqueues are plain mutex-guarded
// appends and never touch the network, so broadcaster goroutines cannot
// block behind a slow socket. DATA frames get TX/RX/CRC restamped just
// before the bytes go out.
//
// The burst cap exists because the legacy clients drop the connection when
// flooded past their P3 window (~16 frames).
type Pacer struct {
	conn   net.Conn
	logger zerolog.Logger

	queueMu  sync.Mutex
	priority []queued
	normal   []queued
	closed   bool

	// writeMu serializes pop+write so concurrent drains cannot interleave
	// frames on the wire.
	writeMu sync.Mutex
	w       *bufio.Writer
	tx      byte

	// peerTX mirrors the last TX sequence received from the client; it is
	// stamped into the RX slot of outgoing DATA frames.
	peerTX atomic.Uint32

	framesOut atomic.Int64

	// outCounter, when set, mirrors framesOut into the shared metrics
	// registry. Written once before the first drain.
	outCounter prometheus.Counter
}

type queued struct {
	buf   []byte
	label string
}

const (
	writeWait = 5 * time.Second

	// TX sequence space of the P3 window.
	txFirst = 0x10
	txLast  = 0x7F
)

var ErrPacerClosed = errors.New("session: pacer closed")

func NewPacer(conn net.Conn, logger zerolog.Logger) *Pacer {
	return &Pacer{
		conn:   conn,
		logger: logger.With().Str("component", "pacer").Logger(),
		w:      bufio.NewWriterSize(conn, 8192),
		tx:     txLast, // first nextTX() wraps to txFirst
	}
}

// SetOutCounter attaches a counter incremented per frame written.
func (p *Pacer) SetOutCounter(c prometheus.Counter) {
	p.outCounter = c
}

// EnqueueSafe appends a marshaled frame to the normal queue. The pacer
// takes ownership of buf.
func (p *Pacer) EnqueueSafe(_ context.Context, buf []byte, label string) error {
	return p.enqueue(buf, label, false)
}

// EnqueuePrioritySafe appends to the priority queue.
func (p *Pacer) EnqueuePrioritySafe(_ context.Context, buf []byte, label string) error {
	return p.enqueue(buf, label, true)
}

func (p *Pacer) enqueue(buf []byte, label string, prio bool) error {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if p.closed {
		return ErrPacerClosed
	}
	if prio {
		p.priority = append(p.priority, queued{buf, label})
	} else {
		p.normal = append(p.normal, queued{buf, label})
	}
	return nil
}

// SetPeerSequence records the client's latest TX sequence.
func (p *Pacer) SetPeerSequence(tx byte) {
	p.peerTX.Store(uint32(tx))
}

func (p *Pacer) nextTX() byte {
	if p.tx >= txLast {
		p.tx = txFirst
	} else {
		p.tx++
	}
	return p.tx
}

// DrainLimited writes up to burst frames: priority first, then normal,
// each queue in insertion order. Returns the number of frames written.
func (p *Pacer) DrainLimited(ctx context.Context, burst int) (int, error) {
	if burst <= 0 {
		return 0, nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.queueMu.Lock()
	if p.closed {
		p.queueMu.Unlock()
		return 0, ErrPacerClosed
	}
	batch := make([]queued, 0, burst)
	for len(batch) < burst && len(p.priority) > 0 {
		batch = append(batch, p.priority[0])
		p.priority = p.priority[1:]
	}
	for len(batch) < burst && len(p.normal) > 0 {
		batch = append(batch, p.normal[0])
		p.normal = p.normal[1:]
	}
	p.queueMu.Unlock()

	if len(batch) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	rx := byte(p.peerTX.Load())
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))

	sent := 0
	for _, q := range batch {
		if wire.Restampable(q.buf) {
			wire.Restamp(q.buf, p.nextTX(), rx)
		}
		if _, err := p.w.Write(q.buf); err != nil {
			p.logger.Debug().Err(err).Str("label", q.label).Msg("Frame write failed")
			return sent, err
		}
		sent++
		p.framesOut.Add(1)
		if p.outCounter != nil {
			p.outCounter.Inc()
		}
	}
	if err := p.w.Flush(); err != nil {
		p.logger.Debug().Err(err).Msg("Flush failed")
		return sent, err
	}
	return sent, nil
}

// QueueLen reports total queued frames across both queues.
func (p *Pacer) QueueLen() int {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	return len(p.priority) + len(p.normal)
}

// FramesOut reports the lifetime count of frames written.
func (p *Pacer) FramesOut() int64 {
	return p.framesOut.Load()
}

// Close marks the pacer closed and drops anything still queued.
func (p *Pacer) Close() {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	p.closed = true
	p.priority = nil
	p.normal = nil
}

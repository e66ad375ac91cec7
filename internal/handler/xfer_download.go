package handler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dialtone/p3d/internal/fdo"
	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/session"
	"github.com/dialtone/p3d/internal/wire"
)

// DownloadPhase is the lifecycle of one server-originated transfer.
type DownloadPhase int

const (
	DownloadAwaitingXG DownloadPhase = iota
	DownloadSendingData
	DownloadCompleted
	DownloadFailed
	DownloadCancelled
)

func (p DownloadPhase) String() string {
	switch p {
	case DownloadAwaitingXG:
		return "awaiting_xg"
	case DownloadSendingData:
		return "sending_data"
	case DownloadCompleted:
		return "completed"
	case DownloadFailed:
		return "failed"
	case DownloadCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (p DownloadPhase) terminal() bool {
	return p == DownloadCompleted || p == DownloadFailed || p == DownloadCancelled
}

// downloadChunk is the data-frame payload size before escape encoding.
const downloadChunk = 950

// Download is one in-flight transfer to a client.
type Download struct {
	ID        string
	FileName  string
	FileID    [3]byte
	Content   []byte
	CreatedAt uint32
	Owner     string
	StartedAt time.Time
	Phase     DownloadPhase

	timer *time.Timer
}

// DownloadManager drives the tj/tf/xG/F7/F9 download flow. One transfer
// may be in flight per connection.
type DownloadManager struct {
	logger     zerolog.Logger
	metrics    *metrics.Registry
	users      *registry.UserRegistry
	compiler   fdo.Compiler
	ackTimeout time.Duration
	drainBurst int

	mu     sync.Mutex
	active map[uint64]*Download // session id -> transfer
}

func NewDownloadManager(logger zerolog.Logger, m *metrics.Registry, users *registry.UserRegistry,
	compiler fdo.Compiler, ackTimeout time.Duration, drainBurst int) *DownloadManager {
	return &DownloadManager{
		logger:     logger.With().Str("component", "xfer_download").Logger(),
		metrics:    m,
		users:      users,
		compiler:   compiler,
		ackTimeout: ackTimeout,
		drainBurst: drainBurst,
		active:     make(map[uint64]*Download),
	}
}

// Begin announces a file to the client and waits for its xG go-ahead.
// Fails if a transfer is already in flight on this connection.
func (dm *DownloadManager) Begin(ctx context.Context, sess *session.Session, fileName string,
	content []byte, library, subject string) (*Download, error) {
	uc := dm.users.GetConnection(sess.ScreenName())
	if uc == nil {
		return nil, fmt.Errorf("xfer: download for unregistered session %q", sess.ScreenName())
	}

	dm.mu.Lock()
	if existing, ok := dm.active[sess.ID]; ok && !existing.Phase.terminal() {
		dm.mu.Unlock()
		return nil, fmt.Errorf("xfer: download %s already in flight", existing.ID)
	}

	id := uuid.NewString()
	var fileID [3]byte
	copy(fileID[:], uuid.New().NodeID())
	now := uint32(time.Now().Unix())

	d := &Download{
		ID:        id,
		FileName:  fileName,
		FileID:    fileID,
		Content:   content,
		CreatedAt: now,
		Owner:     sess.ScreenName(),
		StartedAt: time.Now(),
		Phase:     DownloadAwaitingXG,
	}
	dm.active[sess.ID] = d
	dm.mu.Unlock()

	announce, err := dm.compiler.Compile(ctx,
		fmt.Sprintf("xfer_announce %s %d", fileName, len(content)),
		"AT", wire.DefaultStreamID)
	if err != nil {
		dm.remove(sess.ID)
		return nil, fmt.Errorf("xfer: compile announce: %w", err)
	}
	for _, c := range announce {
		if err := uc.Pacer.EnqueueSafe(ctx, c, "xfer_announce"); err != nil {
			dm.remove(sess.ID)
			return nil, err
		}
	}

	tj := wire.BuildTJ(0x04, fileID, now, uint32(len(content)), library, subject)
	tf := wire.BuildTF(wire.TFFlagMeter, uint32(len(content)), now, now, fileName, false, [2]byte{})
	uc.Pacer.EnqueueSafe(ctx, wire.Data("tj", tj).Marshal(), "xfer_tj")
	uc.Pacer.EnqueueSafe(ctx, wire.Data("tf", tf).Marshal(), "xfer_tf")
	uc.Pacer.DrainLimited(ctx, dm.drainBurst)

	sessID := sess.ID
	d.timer = time.AfterFunc(dm.ackTimeout, func() {
		dm.timeout(sessID)
	})

	dm.logger.Info().
		Str("transfer_id", id).
		Str("file", fileName).
		Int("size", len(content)).
		Str("screen_name", d.Owner).
		Msg("Download announced")
	return d, nil
}

// HandleXG is the client's go-ahead: ship the data as F7 chunks with a
// final F9, then drain everything.
func (dm *DownloadManager) HandleXG(ctx context.Context, sess *session.Session) error {
	dm.mu.Lock()
	d, ok := dm.active[sess.ID]
	if !ok || d.Phase != DownloadAwaitingXG {
		dm.mu.Unlock()
		return fmt.Errorf("xfer: xG without a waiting download")
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.Phase = DownloadSendingData
	dm.mu.Unlock()

	uc := dm.users.GetConnection(sess.ScreenName())
	if uc == nil {
		return fmt.Errorf("xfer: xG from unregistered session")
	}

	content := d.Content
	frames := 0
	for {
		n := len(content)
		last := n <= downloadChunk
		if !last {
			n = downloadChunk
		}
		token := "F7"
		if last {
			token = "F9"
		}
		payload := wire.EscapeEncode(content[:n])
		if err := uc.Pacer.EnqueueSafe(ctx, wire.Data(token, payload).Marshal(), "xfer_data"); err != nil {
			dm.fail(sess.ID, err.Error())
			return err
		}
		frames++
		content = content[n:]
		if last {
			break
		}
	}

	for uc.Pacer.QueueLen() > 0 {
		if _, err := uc.Pacer.DrainLimited(ctx, dm.drainBurst); err != nil {
			dm.fail(sess.ID, err.Error())
			return err
		}
	}

	dm.mu.Lock()
	d.Phase = DownloadCompleted
	dm.mu.Unlock()
	dm.count("completed")
	dm.logger.Info().
		Str("transfer_id", d.ID).
		Int("frames", frames).
		Dur("elapsed", time.Since(d.StartedAt)).
		Msg("Download completed")
	return nil
}

// HandleXK cancels on the client's request.
func (dm *DownloadManager) HandleXK(_ context.Context, sess *session.Session) error {
	dm.mu.Lock()
	d, ok := dm.active[sess.ID]
	if !ok || d.Phase.terminal() {
		dm.mu.Unlock()
		return nil
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.Phase = DownloadCancelled
	dm.mu.Unlock()

	dm.count("cancelled")
	dm.logger.Info().Str("transfer_id", d.ID).Msg("Download cancelled by client")
	return nil
}

// Active reports the session's transfer, if any non-terminal one exists.
func (dm *DownloadManager) Active(sessID uint64) *Download {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if d, ok := dm.active[sessID]; ok && !d.Phase.terminal() {
		return d
	}
	return nil
}

// Get returns the session's transfer record, terminal or not.
func (dm *DownloadManager) Get(sessID uint64) *Download {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.active[sessID]
}

// Close tears down the session's transfer on disconnect.
func (dm *DownloadManager) Close(sessID uint64) {
	dm.mu.Lock()
	d, ok := dm.active[sessID]
	if ok {
		if d.timer != nil {
			d.timer.Stop()
		}
		if !d.Phase.terminal() {
			d.Phase = DownloadCancelled
			dm.count("cancelled")
		}
		delete(dm.active, sessID)
	}
	dm.mu.Unlock()
}

func (dm *DownloadManager) timeout(sessID uint64) {
	dm.mu.Lock()
	d, ok := dm.active[sessID]
	if !ok || d.Phase != DownloadAwaitingXG {
		dm.mu.Unlock()
		return
	}
	d.Phase = DownloadFailed
	dm.mu.Unlock()

	dm.count("timeout")
	dm.logger.Warn().
		Str("transfer_id", d.ID).
		Dur("timeout", dm.ackTimeout).
		Msg("Download xG timeout")
}

func (dm *DownloadManager) fail(sessID uint64, reason string) {
	dm.mu.Lock()
	if d, ok := dm.active[sessID]; ok && !d.Phase.terminal() {
		d.Phase = DownloadFailed
		dm.logger.Warn().Str("transfer_id", d.ID).Str("reason", reason).Msg("Download failed")
	}
	dm.mu.Unlock()
	dm.count("failed")
}

func (dm *DownloadManager) remove(sessID uint64) {
	dm.mu.Lock()
	delete(dm.active, sessID)
	dm.mu.Unlock()
}

func (dm *DownloadManager) count(outcome string) {
	if dm.metrics != nil {
		dm.metrics.Xfer.Downloads.WithLabelValues(outcome).Inc()
	}
}

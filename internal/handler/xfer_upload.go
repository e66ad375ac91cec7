package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/session"
	"github.com/dialtone/p3d/internal/wire"
)

// UploadPhase is the lifecycle of one client-originated transfer.
type UploadPhase int

const (
	UploadAwaitingThResponse UploadPhase = iota
	UploadAwaitingTdResponse
	UploadAwaitingData
	UploadReceivingData
	UploadCompleted
	UploadAborted
	UploadFailed
)

func (p UploadPhase) String() string {
	switch p {
	case UploadAwaitingThResponse:
		return "awaiting_th"
	case UploadAwaitingTdResponse:
		return "awaiting_td"
	case UploadAwaitingData:
		return "awaiting_data"
	case UploadReceivingData:
		return "receiving_data"
	case UploadCompleted:
		return "completed"
	case UploadAborted:
		return "aborted"
	case UploadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p UploadPhase) terminal() bool {
	return p == UploadCompleted || p == UploadAborted || p == UploadFailed
}

// UploadFlow selects the flow-control prompt strategy.
type UploadFlow string

const (
	// FlowTN prompts the client's next burst with a tN frame every 3rd
	// data frame.
	FlowTN UploadFlow = "tn"
	// FlowAck sends a proactive 0x24 ACK every 8th data frame instead.
	FlowAck UploadFlow = "ack"
)

const (
	tnInterval  = 3
	ackInterval = 8
)

// fX result codes.
const (
	fxOK        = 0x00
	fxTooLarge  = 0x01
	fxIOFailure = 0x02
	fxTimeout   = 0x03
)

// Upload is one in-flight client-to-server transfer.
type Upload struct {
	ID             string
	Owner          string
	RespToken      [2]byte
	Phase          UploadPhase
	FileName       string
	ClientPath     string
	ExpectedSize   int64
	ReceivedBytes  int64
	ReceivedFrames int
	TargetPath     string
	AbortReason    byte
	FailureReason  string

	sink     *os.File
	lastData time.Time
	timer    *time.Timer
}

// UploadManager drives the th/td/tf(0x80)/xd/xe upload flow. One upload
// per connection at a time.
type UploadManager struct {
	logger  zerolog.Logger
	metrics *metrics.Registry
	users   *registry.UserRegistry

	dir             string
	maxBytes        int64
	flow            UploadFlow
	responseTimeout time.Duration
	firstDataWait   time.Duration
	stallTimeout    time.Duration
	drainBurst      int

	mu     sync.Mutex
	active map[uint64]*Upload
}

func NewUploadManager(logger zerolog.Logger, m *metrics.Registry, users *registry.UserRegistry,
	dir string, maxBytes int64, flow UploadFlow,
	responseTimeout, firstDataWait, stallTimeout time.Duration, drainBurst int) *UploadManager {
	return &UploadManager{
		logger:          logger.With().Str("component", "xfer_upload").Logger(),
		metrics:         m,
		users:           users,
		dir:             dir,
		maxBytes:        maxBytes,
		flow:            flow,
		responseTimeout: responseTimeout,
		firstDataWait:   firstDataWait,
		stallTimeout:    stallTimeout,
		drainBurst:      drainBurst,
		active:          make(map[uint64]*Upload),
	}
}

// Begin opens the flow by prompting the client's file picker with a th
// struct carrying a fresh response token.
func (um *UploadManager) Begin(ctx context.Context, sess *session.Session) (*Upload, error) {
	uc := um.users.GetConnection(sess.ScreenName())
	if uc == nil {
		return nil, fmt.Errorf("xfer: upload for unregistered session %q", sess.ScreenName())
	}

	um.mu.Lock()
	if existing, ok := um.active[sess.ID]; ok && !existing.Phase.terminal() {
		um.mu.Unlock()
		return nil, fmt.Errorf("xfer: upload %s already in flight", existing.ID)
	}

	u := &Upload{
		ID:    uuid.NewString(),
		Owner: sess.ScreenName(),
		Phase: UploadAwaitingThResponse,
	}
	id := uuid.New()
	u.RespToken[0], u.RespToken[1] = id[0], id[1]
	um.active[sess.ID] = u
	um.mu.Unlock()

	if err := uc.Pacer.EnqueueSafe(ctx, wire.Data("th", wire.BuildTH(u.RespToken)).Marshal(), "xfer_th"); err != nil {
		um.remove(sess.ID)
		return nil, err
	}
	uc.Pacer.DrainLimited(ctx, um.drainBurst)
	um.armTimer(sess.ID, u, um.responseTimeout, "th response timeout")

	um.logger.Info().
		Str("upload_id", u.ID).
		Str("screen_name", u.Owner).
		Msg("Upload prompt sent")
	return u, nil
}

// HandleTHResponse receives the picked client path and asks for the stat.
func (um *UploadManager) HandleTHResponse(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	resp, err := wire.ParseTHResponse(f.Body)
	if err != nil {
		return fmt.Errorf("xfer: th response: %w", err)
	}

	um.mu.Lock()
	u, ok := um.active[sess.ID]
	if !ok || u.Phase != UploadAwaitingThResponse {
		um.mu.Unlock()
		return fmt.Errorf("xfer: unexpected th response")
	}
	if resp.RespToken != u.RespToken {
		um.mu.Unlock()
		return fmt.Errorf("xfer: th response token mismatch")
	}
	u.ClientPath = resp.ClientPath
	u.FileName = sanitizeFileName(resp.ClientPath)
	u.Phase = UploadAwaitingTdResponse
	um.mu.Unlock()

	uc := um.users.GetConnection(sess.ScreenName())
	if uc == nil {
		return fmt.Errorf("xfer: th response from unregistered session")
	}
	if err := uc.Pacer.EnqueueSafe(ctx, wire.Data("td", wire.BuildTD(u.RespToken, 0, u.FileName)).Marshal(), "xfer_td"); err != nil {
		return err
	}
	uc.Pacer.DrainLimited(ctx, um.drainBurst)
	um.armTimer(sess.ID, u, um.responseTimeout, "td response timeout")
	return nil
}

// HandleTDResponse receives the stat, opens the sink and starts the
// transfer with a tf carrying the upload flag. Windows clients need the
// client path carried back in the tf name slot with the separator and
// response token; Mac clients take the plain filename.
func (um *UploadManager) HandleTDResponse(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	resp, err := wire.ParseTDResponse(f.Body)
	if err != nil {
		return fmt.Errorf("xfer: td response: %w", err)
	}

	um.mu.Lock()
	u, ok := um.active[sess.ID]
	if !ok || u.Phase != UploadAwaitingTdResponse {
		um.mu.Unlock()
		return fmt.Errorf("xfer: unexpected td response")
	}
	if resp.RespToken != u.RespToken {
		um.mu.Unlock()
		return fmt.Errorf("xfer: td response token mismatch")
	}
	um.mu.Unlock()

	if resp.RC != 0 {
		um.failLocked(ctx, sess, fxIOFailure, fmt.Sprintf("client stat failed (rc=%d)", resp.RC))
		return nil
	}
	if int64(resp.Size) > um.maxBytes {
		um.failLocked(ctx, sess, fxTooLarge, "file exceeds upload limit")
		return nil
	}

	target := filepath.Join(um.dir, u.ID+"-"+u.FileName)
	if err := os.MkdirAll(um.dir, 0o755); err != nil {
		um.failLocked(ctx, sess, fxIOFailure, "upload directory unavailable")
		return nil
	}
	sink, err := os.Create(target)
	if err != nil {
		um.failLocked(ctx, sess, fxIOFailure, "cannot open upload target")
		return nil
	}

	um.mu.Lock()
	u.ExpectedSize = int64(resp.Size)
	u.TargetPath = target
	u.sink = sink
	u.Phase = UploadAwaitingData
	um.mu.Unlock()

	uc := um.users.GetConnection(sess.ScreenName())
	if uc == nil {
		return fmt.Errorf("xfer: td response from unregistered session")
	}

	now := uint32(time.Now().Unix())
	var tf []byte
	if sess.Platform() == session.PlatformMac {
		tf = wire.BuildTF(wire.TFFlagUpload, resp.Size, now, now, u.FileName, false, u.RespToken)
	} else {
		tf = wire.BuildTF(wire.TFFlagUpload, resp.Size, now, now, u.ClientPath, true, u.RespToken)
	}
	if err := uc.Pacer.EnqueueSafe(ctx, wire.Data("tf", tf).Marshal(), "xfer_tf_upload"); err != nil {
		return err
	}
	uc.Pacer.DrainLimited(ctx, um.drainBurst)
	um.armTimer(sess.ID, u, um.firstDataWait, "first data timeout")

	um.logger.Info().
		Str("upload_id", u.ID).
		Str("file", u.FileName).
		Int64("expected", u.ExpectedSize).
		Msg("Upload started")
	return nil
}

// HandleData receives one xd/xb data frame: unescape, write, and prompt
// the client's next burst per the configured flow strategy.
func (um *UploadManager) HandleData(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	decoded, err := wire.EscapeDecode(f.Body)
	if err != nil {
		um.failLocked(ctx, sess, fxIOFailure, "corrupt transfer data")
		return nil
	}

	um.mu.Lock()
	u, ok := um.active[sess.ID]
	if !ok || (u.Phase != UploadAwaitingData && u.Phase != UploadReceivingData) {
		um.mu.Unlock()
		return fmt.Errorf("xfer: data frame without active upload")
	}
	u.Phase = UploadReceivingData
	u.ReceivedFrames++
	u.lastData = time.Now()
	sink := u.sink
	frames := u.ReceivedFrames
	overLimit := u.ReceivedBytes+int64(len(decoded)) > um.maxBytes
	um.mu.Unlock()

	if overLimit {
		um.failLocked(ctx, sess, fxTooLarge, "upload exceeded size limit")
		return nil
	}
	if _, err := sink.Write(decoded); err != nil {
		um.failLocked(ctx, sess, fxIOFailure, "write failed")
		return nil
	}

	um.mu.Lock()
	u.ReceivedBytes += int64(len(decoded))
	um.mu.Unlock()
	um.armTimer(sess.ID, u, um.stallTimeout, "data stall timeout")

	uc := um.users.GetConnection(sess.ScreenName())
	if uc == nil {
		return nil
	}
	switch {
	case um.flow == FlowTN && frames%tnInterval == 0:
		if err := uc.Pacer.EnqueuePrioritySafe(ctx, wire.Data("tN", nil).Marshal(), "xfer_tn"); err == nil {
			uc.Pacer.DrainLimited(ctx, um.drainBurst)
		}
	case um.flow == FlowAck && frames%ackInterval == 0:
		if err := uc.Pacer.EnqueuePrioritySafe(ctx, wire.BuildShort(wire.TypeAck), "xfer_ack"); err == nil {
			uc.Pacer.DrainLimited(ctx, um.drainBurst)
		}
	}
	return nil
}

// HandleXE completes the upload and reports success with fX.
func (um *UploadManager) HandleXE(ctx context.Context, sess *session.Session) error {
	um.mu.Lock()
	u, ok := um.active[sess.ID]
	if !ok || u.Phase.terminal() {
		um.mu.Unlock()
		return fmt.Errorf("xfer: xe without active upload")
	}
	if u.timer != nil {
		u.timer.Stop()
	}
	if u.sink != nil {
		u.sink.Close()
		u.sink = nil
	}
	u.Phase = UploadCompleted
	um.mu.Unlock()

	um.count("completed")
	um.sendFX(ctx, sess, fxOK, "File received")
	um.logger.Info().
		Str("upload_id", u.ID).
		Str("file", u.FileName).
		Int64("bytes", u.ReceivedBytes).
		Msg("Upload completed")
	return nil
}

// HandleXK aborts on the client's request: partial file deleted, no fX
// (the client asked, it does not need a result dialog).
func (um *UploadManager) HandleXK(_ context.Context, sess *session.Session, f *wire.Frame) error {
	reason := byte(0)
	if len(f.Body) > 0 {
		reason = f.Body[0]
	}

	um.mu.Lock()
	u, ok := um.active[sess.ID]
	if !ok || u.Phase.terminal() {
		um.mu.Unlock()
		return nil
	}
	if u.timer != nil {
		u.timer.Stop()
	}
	u.Phase = UploadAborted
	u.AbortReason = reason
	um.cleanupLocked(u)
	um.mu.Unlock()

	um.count("aborted")
	um.logger.Info().
		Str("upload_id", u.ID).
		Uint8("reason", reason).
		Int64("received", u.ReceivedBytes).
		Msg("Upload aborted by client")
	return nil
}

// Active reports the session's upload, if a non-terminal one exists.
func (um *UploadManager) Active(sessID uint64) *Upload {
	um.mu.Lock()
	defer um.mu.Unlock()
	if u, ok := um.active[sessID]; ok && !u.Phase.terminal() {
		return u
	}
	return nil
}

// Get returns the session's upload record, terminal or not.
func (um *UploadManager) Get(sessID uint64) *Upload {
	um.mu.Lock()
	defer um.mu.Unlock()
	return um.active[sessID]
}

func (um *UploadManager) remove(sessID uint64) {
	um.mu.Lock()
	delete(um.active, sessID)
	um.mu.Unlock()
}

// Close tears the session's upload down on disconnect: timers stopped,
// sink closed, partial deleted, no fX.
func (um *UploadManager) Close(sessID uint64) {
	um.mu.Lock()
	u, ok := um.active[sessID]
	if ok {
		if u.timer != nil {
			u.timer.Stop()
		}
		if !u.Phase.terminal() {
			u.Phase = UploadAborted
			um.cleanupLocked(u)
			um.count("aborted")
		}
		delete(um.active, sessID)
	}
	um.mu.Unlock()
}

// failLocked moves the upload to Failed, cleans up, and reports fX.
func (um *UploadManager) failLocked(ctx context.Context, sess *session.Session, rc byte, reason string) {
	um.mu.Lock()
	u, ok := um.active[sess.ID]
	if !ok || u.Phase.terminal() {
		um.mu.Unlock()
		return
	}
	if u.timer != nil {
		u.timer.Stop()
	}
	u.Phase = UploadFailed
	u.FailureReason = reason
	um.cleanupLocked(u)
	um.mu.Unlock()

	um.count("failed")
	um.sendFX(ctx, sess, rc, reason)
	um.logger.Warn().
		Str("upload_id", u.ID).
		Str("reason", reason).
		Msg("Upload failed")
}

// cleanupLocked closes the sink and deletes the partial file. Caller holds
// the manager lock.
func (um *UploadManager) cleanupLocked(u *Upload) {
	if u.sink != nil {
		u.sink.Close()
		u.sink = nil
	}
	if u.TargetPath != "" {
		os.Remove(u.TargetPath)
	}
}

func (um *UploadManager) sendFX(ctx context.Context, sess *session.Session, rc byte, message string) {
	uc := um.users.GetConnection(sess.ScreenName())
	if uc == nil {
		return
	}
	if err := uc.Pacer.EnqueuePrioritySafe(ctx, wire.Data("fX", wire.BuildFX(rc, message)).Marshal(), "xfer_fx"); err == nil {
		uc.Pacer.DrainLimited(ctx, um.drainBurst)
	}
}

func (um *UploadManager) armTimer(sessID uint64, u *Upload, d time.Duration, what string) {
	um.mu.Lock()
	defer um.mu.Unlock()
	if u.Phase.terminal() {
		return
	}
	if u.timer != nil {
		u.timer.Stop()
	}
	u.timer = time.AfterFunc(d, func() {
		um.timerFired(sessID, what)
	})
}

func (um *UploadManager) timerFired(sessID uint64, what string) {
	um.mu.Lock()
	u, ok := um.active[sessID]
	if !ok || u.Phase.terminal() {
		um.mu.Unlock()
		return
	}
	u.Phase = UploadFailed
	u.FailureReason = what
	um.cleanupLocked(u)
	um.mu.Unlock()

	um.count("timeout")
	um.logger.Warn().
		Str("upload_id", u.ID).
		Str("reason", what).
		Msg("Upload timed out")
}

func (um *UploadManager) count(outcome string) {
	if um.metrics != nil {
		um.metrics.Xfer.Uploads.WithLabelValues(outcome).Inc()
	}
}

// sanitizeFileName reduces a client path (Windows or Mac separators) to a
// safe flat filename.
func sanitizeFileName(clientPath string) string {
	name := clientPath
	if i := strings.LastIndexAny(name, `\/:`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_' || r == ' ':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.Trim(name, ". ")
	if name == "" {
		name = "upload.bin"
	}
	return name
}

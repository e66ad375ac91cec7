package handler

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/dialtone/p3d/internal/fdo"
	"github.com/dialtone/p3d/internal/metrics"
	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/session"
	"github.com/dialtone/p3d/internal/wire"
)

// DODHandler serves download-on-demand asset requests. Four request
// shapes, one serving path:
//
//	f2  GID at body offset +2, picture/idb response, short-ACKed
//	f1  GID at body offset +10, atom stream response
//	K1  GID inside an inner FDO, response echoes the request's response id
//	fh  FDO form listing (transactionId, GID) pairs
//
// While a session is being served its broadcasts defer (DOD exclusivity);
// the registry flushes them when serving ends.
type DODHandler struct {
	logger     zerolog.Logger
	metrics    *metrics.Registry
	users      *registry.UserRegistry
	compiler   fdo.Compiler
	decoder    fdo.StreamDecoder
	templates  *fdo.TemplateStore
	art        fdo.ArtStore
	drainBurst int

	// refs remembers the first compiled bytes per GID for drift detection.
	refs *gocache.Cache
}

func NewDODHandler(logger zerolog.Logger, m *metrics.Registry, users *registry.UserRegistry,
	compiler fdo.Compiler, decoder fdo.StreamDecoder, templates *fdo.TemplateStore,
	art fdo.ArtStore, drainBurst int) *DODHandler {
	return &DODHandler{
		logger:     logger.With().Str("component", "dod").Logger(),
		metrics:    m,
		users:      users,
		compiler:   compiler,
		decoder:    decoder,
		templates:  templates,
		art:        art,
		drainBurst: drainBurst,
		refs:       gocache.New(gocache.NoExpiration, 0),
	}
}

func (h *DODHandler) Tokens() []string { return []string{"f2", "f1", "K1", "fh"} }

func (h *DODHandler) Handle(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	name := sess.ScreenName()
	uc := h.users.GetConnection(name)
	if uc == nil {
		return fmt.Errorf("dod: request from unregistered session %q", name)
	}

	token := f.Token.String()
	if h.metrics != nil {
		h.metrics.DOD.Requests.WithLabelValues(token).Inc()
	}
	streamID := wire.NormalizeStreamID(f.StreamID())

	switch token {
	case "f2":
		gid, ok := wire.GIDAt(f.Body, 2)
		if !ok {
			return fmt.Errorf("dod: f2 body too short for gid")
		}
		// The client expects the ACK regardless of what the asset lookup
		// finds.
		uc.Pacer.EnqueuePrioritySafe(ctx, wire.BuildShort(wire.TypeAck), "dod_ack")
		return h.serve(ctx, sess, uc, token, gid, streamID, 0, false)

	case "f1":
		gid, ok := wire.GIDAt(f.Body, 10)
		if !ok {
			return fmt.Errorf("dod: f1 body too short for gid")
		}
		return h.serve(ctx, sess, uc, token, gid, streamID, 0, false)

	case "K1":
		gid, respID, err := h.decoder.DecodeEmbeddedGID(f.Body)
		if err != nil {
			return fmt.Errorf("dod: k1: %w", err)
		}
		return h.serve(ctx, sess, uc, token, gid, streamID, respID, true)

	case "fh":
		form, err := h.decoder.DecodeDODForm(f.Body)
		if err != nil {
			return fmt.Errorf("dod: fh: %w", err)
		}
		if len(form.Requests) == 0 {
			// A form with no GIDs still needs a stream-control answer.
			if err := uc.Pacer.EnqueuePrioritySafe(ctx, wire.BuildShort(wire.TypeAck), "dod_ack"); err == nil {
				uc.Pacer.DrainLimited(ctx, h.drainBurst)
			}
			return nil
		}
		for _, req := range form.Requests {
			if err := h.serve(ctx, sess, uc, token, req.GID, streamID, req.TransactionID, true); err != nil {
				h.logger.Warn().
					Err(err).
					Str("gid", wire.FormatGID(req.GID)).
					Uint16("txn", req.TransactionID).
					Msg("DOD form entry failed")
			}
		}
		return nil
	}
	return nil
}

// serve resolves and ships one GID. The response reuses the request's
// stream id. Source resolution order: DSL registry (atom, pre-empts
// pictures), art store (picture), filesystem template (atom).
func (h *DODHandler) serve(ctx context.Context, sess *session.Session, uc *registry.UserConnection,
	token string, gid uint32, streamID uint16, respID uint16, hasResp bool) error {
	uc.SetDODExclusive(ctx, true)
	defer uc.SetDODExclusive(ctx, false)

	display := wire.FormatGID(gid)
	kind := fdo.IDBAtom
	var data []byte

	if src, ok := h.templates.FromRegistry(gid); ok {
		data = []byte(src)
	} else if blob, ok := h.art.Art(gid); ok {
		kind = fdo.IDBPicture
		data = blob
	} else if src, ok := h.templates.Resolve(gid, sess.LowColor()); ok {
		data = []byte(src)
	} else {
		h.logger.Warn().
			Str("gid", display).
			Str("screen_name", sess.ScreenName()).
			Str("token", token).
			Msg("No source for requested GID")
		if h.metrics != nil {
			h.metrics.DOD.Misses.Inc()
		}
		return h.serveMiss(ctx, uc, token, gid, streamID, respID, hasResp)
	}

	chunks, err := h.compiler.CompileIDB(ctx, gid, kind, data, streamID)
	if err != nil {
		return fmt.Errorf("dod: compile %s: %w", display, err)
	}
	h.checkDrift(gid, kind, chunks)

	if hasResp {
		var echo [2]byte
		binary.BigEndian.PutUint16(echo[:], respID)
		if err := uc.Pacer.EnqueueSafe(ctx, wire.DataStream("K1", streamID, echo[:]).Marshal(), "dod_resp_id"); err != nil {
			return err
		}
	}
	for _, c := range chunks {
		if err := uc.Pacer.EnqueueSafe(ctx, c, "dod_data"); err != nil {
			return err
		}
	}
	for uc.Pacer.QueueLen() > 0 {
		if _, err := uc.Pacer.DrainLimited(ctx, h.drainBurst); err != nil {
			return err
		}
	}
	return nil
}

// serveMiss answers a request whose GID has no source. Each token's
// client code path stalls differently, so each gets its own shape:
// f2 already received its short ACK and wants nothing else, f1 expects
// a failure form, K1 expects its response id answered with a no-op, and
// fh entries get an empty asset so the form's transaction resolves.
func (h *DODHandler) serveMiss(ctx context.Context, uc *registry.UserConnection,
	token string, gid uint32, streamID uint16, respID uint16, hasResp bool) error {
	display := wire.FormatGID(gid)

	var chunks []fdo.Chunk
	var err error
	switch token {
	case "f2":
		return nil
	case "f1":
		chunks, err = h.compiler.Compile(ctx, fmt.Sprintf("f1_failed %s", display), "AT", streamID)
	case "K1":
		chunks, err = h.compiler.Compile(ctx, "uni_noop", "AT", streamID)
	case "fh":
		chunks, err = h.compiler.CompileIDB(ctx, gid, fdo.IDBAtom, nil, streamID)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("dod: compile miss for %s: %w", display, err)
	}

	if hasResp {
		var echo [2]byte
		binary.BigEndian.PutUint16(echo[:], respID)
		if err := uc.Pacer.EnqueueSafe(ctx, wire.DataStream("K1", streamID, echo[:]).Marshal(), "dod_resp_id"); err != nil {
			return err
		}
	}
	for _, c := range chunks {
		if err := uc.Pacer.EnqueueSafe(ctx, c, "dod_miss"); err != nil {
			return err
		}
	}
	for uc.Pacer.QueueLen() > 0 {
		if _, err := uc.Pacer.DrainLimited(ctx, h.drainBurst); err != nil {
			return err
		}
	}
	return nil
}

// checkDrift compares this compilation against the first one seen for the
// GID. Mismatches are logged with hex context around the first differing
// byte. Operational aid only, never an error.
func (h *DODHandler) checkDrift(gid uint32, kind byte, chunks []fdo.Chunk) {
	var compiled []byte
	for _, c := range chunks {
		compiled = append(compiled, c...)
	}
	key := fmt.Sprintf("%s/%c", wire.FormatGID(gid), kind)

	cached, ok := h.refs.Get(key)
	if !ok {
		h.refs.Set(key, compiled, gocache.NoExpiration)
		return
	}
	ref := cached.([]byte)

	firstDiff := -1
	n := len(ref)
	if len(compiled) < n {
		n = len(compiled)
	}
	for i := 0; i < n; i++ {
		if ref[i] != compiled[i] {
			firstDiff = i
			break
		}
	}
	if firstDiff < 0 && len(ref) == len(compiled) {
		return
	}
	if firstDiff < 0 {
		firstDiff = n
	}

	diffCount := len(ref) - len(compiled)
	if diffCount < 0 {
		diffCount = -diffCount
	}
	for i := 0; i < n; i++ {
		if ref[i] != compiled[i] {
			diffCount++
		}
	}

	lo := firstDiff - 20
	if lo < 0 {
		lo = 0
	}
	hi := firstDiff + 20
	refHi, gotHi := hi, hi
	if refHi > len(ref) {
		refHi = len(ref)
	}
	if gotHi > len(compiled) {
		gotHi = len(compiled)
	}

	h.logger.Warn().
		Str("gid", wire.FormatGID(gid)).
		Int("first_diff_offset", firstDiff).
		Int("differing_bytes", diffCount).
		Str("reference", hex.EncodeToString(ref[lo:refHi])).
		Str("compiled", hex.EncodeToString(compiled[lo:gotHi])).
		Msg("IDB compilation drifted from reference")
	if h.metrics != nil {
		h.metrics.DOD.DriftDetected.Inc()
	}
}

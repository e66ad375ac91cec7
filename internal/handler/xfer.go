package handler

import (
	"context"

	"github.com/dialtone/p3d/internal/session"
	"github.com/dialtone/p3d/internal/wire"
)

// XferHandler adapts the two transfer managers to the dispatcher. xK is
// shared between the directions: a waiting download claims it first,
// otherwise it aborts the upload.
type XferHandler struct {
	Downloads *DownloadManager
	Uploads   *UploadManager
}

func NewXferHandler(dm *DownloadManager, um *UploadManager) *XferHandler {
	return &XferHandler{Downloads: dm, Uploads: um}
}

func (h *XferHandler) Tokens() []string {
	return []string{"xG", "xK", "th", "td", "xd", "xb", "xe"}
}

func (h *XferHandler) Handle(ctx context.Context, sess *session.Session, f *wire.Frame) error {
	switch f.Token.String() {
	case "xG":
		return h.Downloads.HandleXG(ctx, sess)
	case "xK":
		if h.Downloads.Active(sess.ID) != nil {
			return h.Downloads.HandleXK(ctx, sess)
		}
		return h.Uploads.HandleXK(ctx, sess, f)
	case "th":
		return h.Uploads.HandleTHResponse(ctx, sess, f)
	case "td":
		return h.Uploads.HandleTDResponse(ctx, sess, f)
	case "xd", "xb":
		return h.Uploads.HandleData(ctx, sess, f)
	case "xe":
		return h.Uploads.HandleXE(ctx, sess)
	}
	return nil
}

// CloseAll tears down both directions for a disconnecting session.
func (h *XferHandler) CloseAll(sessID uint64) {
	h.Downloads.Close(sessID)
	h.Uploads.Close(sessID)
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors used by the P3 server. Each
// Registry owns its own prometheus.Registry so tests can construct them
// freely without duplicate-registration panics.
type Registry struct {
	prom *prometheus.Registry

	Sessions  sessionMetrics
	Frames    frameMetrics
	Broadcast broadcastMetrics
	IM        imMetrics
	DOD       dodMetrics
	Xfer      xferMetrics
	Dispatch  dispatchMetrics
}

type sessionMetrics struct {
	Active            prometheus.Gauge
	ChatMembers       prometheus.Gauge
	TagsInUse         prometheus.Gauge
	Guests            prometheus.Gauge
	Conversations     prometheus.Gauge
	ConversationWraps prometheus.Counter
	AcceptRejected    prometheus.Counter
	DuplicateLogins   prometheus.Counter
}

type frameMetrics struct {
	In      prometheus.Counter
	Out     prometheus.Counter
	Dropped prometheus.Counter
}

type broadcastMetrics struct {
	Sent      prometheus.Counter
	Deferred  prometheus.Counter
	Skipped   prometheus.Counter
	Excluded  prometheus.Counter
	NotInChat prometheus.Counter
}

type imMetrics struct {
	Delivered        prometheus.Counter
	Echoed           prometheus.Counter
	DroppedOffline   prometheus.Counter
	DroppedExclusive prometheus.Counter
}

type dodMetrics struct {
	Requests      *prometheus.CounterVec // by token
	Misses        prometheus.Counter
	DriftDetected prometheus.Counter
}

type xferMetrics struct {
	Downloads *prometheus.CounterVec // by outcome
	Uploads   *prometheus.CounterVec // by outcome
}

type dispatchMetrics struct {
	HandlerErrors prometheus.Counter
	UnknownTokens prometheus.Counter
}

// New creates Prometheus metrics collectors.
func New() *Registry {
	prom := prometheus.NewRegistry()
	f := promauto.With(prom)

	return &Registry{
		prom: prom,
		Sessions: sessionMetrics{
			Active: f.NewGauge(prometheus.GaugeOpts{
				Name: "p3d_sessions_active",
				Help: "Number of connected P3 sessions",
			}),
			ChatMembers: f.NewGauge(prometheus.GaugeOpts{
				Name: "p3d_chat_members",
				Help: "Number of sessions currently in the chat room",
			}),
			TagsInUse: f.NewGauge(prometheus.GaugeOpts{
				Name: "p3d_chat_tags_in_use",
				Help: "Chat tags currently assigned (max 254)",
			}),
			Guests: f.NewGauge(prometheus.GaugeOpts{
				Name: "p3d_ephemeral_guests",
				Help: "Ephemeral guest names currently allocated",
			}),
			Conversations: f.NewGauge(prometheus.GaugeOpts{
				Name: "p3d_im_conversations",
				Help: "Conversation ids currently mapped",
			}),
			ConversationWraps: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_im_conversation_wraps_total",
				Help: "Times the conversation id space wrapped and was rebuilt",
			}),
			AcceptRejected: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_accept_rejected_total",
				Help: "TCP connections rejected by the accept rate limiter",
			}),
			DuplicateLogins: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_duplicate_logins_total",
				Help: "Sessions displaced by a login from another location",
			}),
		},
		Frames: frameMetrics{
			In: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_frames_in_total",
				Help: "P3 frames received",
			}),
			Out: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_frames_out_total",
				Help: "P3 frames written to clients",
			}),
			Dropped: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_frames_dropped_total",
				Help: "Inbound frames dropped (malformed or unauthenticated)",
			}),
		},
		Broadcast: broadcastMetrics{
			Sent: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_broadcast_sent_total",
				Help: "Chat broadcast frames delivered",
			}),
			Deferred: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_broadcast_deferred_total",
				Help: "Chat broadcast frames deferred behind DOD exclusivity",
			}),
			Skipped: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_broadcast_skipped_total",
				Help: "Chat broadcast recipients skipped (inactive pacer)",
			}),
			Excluded: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_broadcast_excluded_total",
				Help: "Chat broadcast recipients excluded by the caller",
			}),
			NotInChat: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_broadcast_not_in_chat_total",
				Help: "Chat broadcast recipients skipped because not in chat",
			}),
		},
		IM: imMetrics{
			Delivered: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_im_delivered_total",
				Help: "Instant messages delivered to recipients",
			}),
			Echoed: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_im_echoed_total",
				Help: "Instant message echoes sent back to senders",
			}),
			DroppedOffline: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_im_dropped_offline_total",
				Help: "Instant messages dropped because the recipient is offline",
			}),
			DroppedExclusive: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_im_dropped_exclusive_total",
				Help: "Instant messages dropped while the recipient held DOD exclusivity",
			}),
		},
		DOD: dodMetrics{
			Requests: f.NewCounterVec(prometheus.CounterOpts{
				Name: "p3d_dod_requests_total",
				Help: "DOD requests by token",
			}, []string{"token"}),
			Misses: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_dod_misses_total",
				Help: "DOD requests for GIDs with no registered source",
			}),
			DriftDetected: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_dod_idb_drift_total",
				Help: "IDB compilations that differed from their reference bytes",
			}),
		},
		Xfer: xferMetrics{
			Downloads: f.NewCounterVec(prometheus.CounterOpts{
				Name: "p3d_xfer_downloads_total",
				Help: "XFER downloads by outcome",
			}, []string{"outcome"}),
			Uploads: f.NewCounterVec(prometheus.CounterOpts{
				Name: "p3d_xfer_uploads_total",
				Help: "XFER uploads by outcome",
			}, []string{"outcome"}),
		},
		Dispatch: dispatchMetrics{
			HandlerErrors: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_dispatch_handler_errors_total",
				Help: "Handler errors swallowed at the dispatcher boundary",
			}),
			UnknownTokens: f.NewCounter(prometheus.CounterOpts{
				Name: "p3d_dispatch_unknown_tokens_total",
				Help: "Inbound frames with no registered handler",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatsCreated      prometheus.Counter
	MessagesPersisted *prometheus.CounterVec
	StreamsStarted    prometheus.Counter
	StreamsCompleted  prometheus.Counter
	StreamsFailed     prometheus.Counter
	StreamsStopped    prometheus.Counter
	StreamDeltas      prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "chats_created_total",
				Help:      "Total chats created",
			}),
			MessagesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "messages_persisted_total",
				Help:      "Total messages appended to the store, by role",
			}, []string{"role"}),
			StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "streams_started_total",
				Help:      "Total completion streams dispatched",
			}),
			StreamsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "streams_completed_total",
				Help:      "Total completion streams that ended normally",
			}),
			StreamsFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "streams_failed_total",
				Help:      "Total completion streams that ended with an error",
			}),
			StreamsStopped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "streams_stopped_total",
				Help:      "Total completion streams stopped by the user",
			}),
			StreamDeltas: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "stream_deltas_total",
				Help:      "Total text deltas applied to assistant messages",
			}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests, by route and status code",
			}, []string{"route", "code"}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "streamchat",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the rate limiter",
			}),
		}
		prometheus.MustRegister(
			global.ChatsCreated,
			global.MessagesPersisted,
			global.StreamsStarted,
			global.StreamsCompleted,
			global.StreamsFailed,
			global.StreamsStopped,
			global.StreamDeltas,
			global.HTTPRequests,
			global.RateLimited,
		)
	})
	return global
}

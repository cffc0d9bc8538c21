// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total number of sessions registered since start",
	})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Current number of live sessions",
	})

	sessionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_max",
		Help: "Maximum allowed concurrent sessions",
	})

	registrationsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_registrations_rejected_total",
		Help: "Total registration attempts rejected by reason",
	}, []string{"reason"})

	// Room metrics
	roomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms_active",
		Help: "Current number of live rooms",
	})

	roomJoinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_room_joins_total",
		Help: "Total successful room joins",
	})

	roomJoinsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_room_joins_rejected_total",
		Help: "Total room joins rejected by reason",
	}, []string{"reason"})

	// Traffic metrics
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_commands_total",
		Help: "Total accepted client commands by verb",
	}, []string{"command"})

	broadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Total room broadcasts delivered",
	})

	whispersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_whispers_total",
		Help: "Total whispers delivered",
	})

	bytesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_relayed_total",
		Help: "Total bytes written to client transports",
	})

	notifyDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_notify_drops_total",
		Help: "Total deliveries dropped on a closed notify pipe",
	})

	rateLimitedCommands = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_commands_total",
		Help: "Total commands dropped by the per-session rate limiter",
	})

	// Upload pipeline metrics
	uploadQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_upload_queue_depth",
		Help: "Current number of pending items in the upload queue",
	})

	uploadQueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_upload_queue_capacity",
		Help: "Maximum capacity of the upload queue",
	})

	uploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_uploads_total",
		Help: "Total upload deliveries by outcome",
	}, []string{"outcome"})

	uploadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_upload_bytes_total",
		Help: "Total payload bytes delivered by upload workers",
	})

	// System metrics
	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_memory_bytes",
		Help: "Current process memory usage in bytes",
	})

	memoryLimitBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_memory_limit_bytes",
		Help: "Configured memory limit in bytes",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_cpu_usage_percent",
		Help: "Current process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(sessionsTotal)
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(sessionsMax)
	prometheus.MustRegister(registrationsRejected)

	prometheus.MustRegister(roomsActive)
	prometheus.MustRegister(roomJoinsTotal)
	prometheus.MustRegister(roomJoinsRejected)

	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(broadcastsTotal)
	prometheus.MustRegister(whispersTotal)
	prometheus.MustRegister(bytesRelayed)
	prometheus.MustRegister(notifyDrops)
	prometheus.MustRegister(rateLimitedCommands)

	prometheus.MustRegister(uploadQueueDepth)
	prometheus.MustRegister(uploadQueueCapacity)
	prometheus.MustRegister(uploadsTotal)
	prometheus.MustRegister(uploadBytesTotal)

	prometheus.MustRegister(memoryUsageBytes)
	prometheus.MustRegister(memoryLimitBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetCapacities publishes the static capacity gauges once at startup.
func SetCapacities(maxSessions, queueCapacity int, memoryLimit int64) {
	sessionsMax.Set(float64(maxSessions))
	uploadQueueCapacity.Set(float64(queueCapacity))
	memoryLimitBytes.Set(float64(memoryLimit))
}

func SessionRegistered() { sessionsTotal.Inc(); sessionsActive.Inc() }

func SessionClosed() { sessionsActive.Dec() }

func RegistrationRejected(reason string) { registrationsRejected.WithLabelValues(reason).Inc() }

func RoomCreated() { roomsActive.Inc() }

func RoomDestroyed() { roomsActive.Dec() }

func RoomJoined() { roomJoinsTotal.Inc() }

func RoomJoinRejected(reason string) { roomJoinsRejected.WithLabelValues(reason).Inc() }

func CommandAccepted(verb string) { commandsTotal.WithLabelValues(verb).Inc() }

func BroadcastDelivered() { broadcastsTotal.Inc() }

func WhisperDelivered() { whispersTotal.Inc() }

func BytesRelayed(n int64) { bytesRelayed.Add(float64(n)) }

func NotifyDropped() { notifyDrops.Inc() }

func CommandRateLimited() { rateLimitedCommands.Inc() }

func UploadQueueDepth(n int) { uploadQueueDepth.Set(float64(n)) }

func UploadDelivered(bytes int64) {
	uploadsTotal.WithLabelValues("delivered").Inc()
	uploadBytesTotal.Add(float64(bytes))
}

func UploadRecipientGone() { uploadsTotal.WithLabelValues("recipient_gone").Inc() }

func UploadWriteFailed() { uploadsTotal.WithLabelValues("write_failed").Inc() }

func UpdateSystem(memBytes float64, cpuPercent float64, goroutines int) {
	memoryUsageBytes.Set(memBytes)
	cpuUsagePercent.Set(cpuPercent)
	goroutinesActive.Set(float64(goroutines))
}

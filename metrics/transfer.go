// Package metrics exposes server-wide transfer statistics as Prometheus
// collectors. The HTTP collaborator serves them on /metrics.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultNamespace  = "tftpd"
	subsystemTransfer = "transfer"
)

// TransferCollector keeps track of server side transfer statistics and
// exposes them via Prometheus compatible collectors. All methods are safe
// for concurrent use by sessions. The Record methods do nothing on a nil
// collector; Snapshot and Registry require a non-nil one.
type TransferCollector struct {
	mu        sync.RWMutex
	namespace string
	registry  *prometheus.Registry

	startTime         time.Time
	bytesSent         uint64
	bytesReceived     uint64
	packetsSent       uint64
	packetsReceived   uint64
	retransmissions   uint64
	sessionsStarted   uint64
	sessionsCompleted uint64
	sessionsFailed    uint64
	activeSessions    int64
}

// TransferSnapshot represents a point-in-time view of the collected metrics.
type TransferSnapshot struct {
	Elapsed           time.Duration
	BytesSent         uint64
	BytesReceived     uint64
	PacketsSent       uint64
	PacketsReceived   uint64
	Retransmissions   uint64
	SessionsStarted   uint64
	SessionsCompleted uint64
	SessionsFailed    uint64
	ActiveSessions    int64
	ThroughputBps     float64
}

// NewTransferCollector creates a collector and wires up prometheus collectors.
func NewTransferCollector(namespace string) *TransferCollector {
	if strings.TrimSpace(namespace) == "" {
		namespace = defaultNamespace
	}
	tc := &TransferCollector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}
	tc.registerMetrics()
	return tc
}

// Registry returns the prometheus registry managed by this collector.
func (c *TransferCollector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordPacketSent records one transmitted datagram of the given size.
func (c *TransferCollector) RecordPacketSent(bytes int) {
	if c == nil || bytes < 0 {
		return
	}
	c.mu.Lock()
	c.packetsSent++
	c.bytesSent += uint64(bytes)
	c.mu.Unlock()
}

// RecordPacketReceived records one received datagram of the given size.
func (c *TransferCollector) RecordPacketReceived(bytes int) {
	if c == nil || bytes < 0 {
		return
	}
	c.mu.Lock()
	c.packetsReceived++
	c.bytesReceived += uint64(bytes)
	c.mu.Unlock()
}

// RecordRetransmission records a timeout-driven retransmission.
func (c *TransferCollector) RecordRetransmission() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.retransmissions++
	c.mu.Unlock()
}

// RecordSessionStart records a newly accepted transfer.
func (c *TransferCollector) RecordSessionStart() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsStarted++
	c.activeSessions++
	c.mu.Unlock()
}

// RecordSessionEnd records a finished transfer.
func (c *TransferCollector) RecordSessionEnd(failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if failed {
		c.sessionsFailed++
	} else {
		c.sessionsCompleted++
	}
	if c.activeSessions > 0 {
		c.activeSessions--
	}
	c.mu.Unlock()
}

// Snapshot creates a read-only view of the collected metrics.
func (c *TransferCollector) Snapshot() TransferSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildSnapshotLocked(time.Now())
}

func (c *TransferCollector) buildSnapshotLocked(now time.Time) TransferSnapshot {
	elapsed := now.Sub(c.startTime)
	s := TransferSnapshot{
		Elapsed:           elapsed,
		BytesSent:         c.bytesSent,
		BytesReceived:     c.bytesReceived,
		PacketsSent:       c.packetsSent,
		PacketsReceived:   c.packetsReceived,
		Retransmissions:   c.retransmissions,
		SessionsStarted:   c.sessionsStarted,
		SessionsCompleted: c.sessionsCompleted,
		SessionsFailed:    c.sessionsFailed,
		ActiveSessions:    c.activeSessions,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.ThroughputBps = float64(c.bytesSent+c.bytesReceived) / secs
	}
	return s
}

func (c *TransferCollector) registerMetrics() {
	makeGauge := func(name, help string, valueFn func(TransferSnapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Subsystem: subsystemTransfer,
			Name:      name,
			Help:      help,
		}, func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return valueFn(c.buildSnapshotLocked(time.Now()))
		})
	}

	makeCounter := func(name, help string, valueFn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: subsystemTransfer,
			Name:      name,
			Help:      help,
		}, valueFn)
	}

	counter := func(field *uint64) func() float64 {
		return func() float64 {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return float64(*field)
		}
	}

	c.registry.MustRegister(makeCounter(
		"bytes_sent_total",
		"Datagram bytes transmitted by the server.",
		counter(&c.bytesSent),
	))
	c.registry.MustRegister(makeCounter(
		"bytes_received_total",
		"Datagram bytes received by the server.",
		counter(&c.bytesReceived),
	))
	c.registry.MustRegister(makeCounter(
		"packets_sent_total",
		"Datagrams transmitted by the server.",
		counter(&c.packetsSent),
	))
	c.registry.MustRegister(makeCounter(
		"packets_received_total",
		"Datagrams received by the server.",
		counter(&c.packetsReceived),
	))
	c.registry.MustRegister(makeCounter(
		"retransmissions_total",
		"Timeout-driven retransmissions across all sessions.",
		counter(&c.retransmissions),
	))
	c.registry.MustRegister(makeCounter(
		"sessions_started_total",
		"Transfers accepted by the dispatcher.",
		counter(&c.sessionsStarted),
	))
	c.registry.MustRegister(makeCounter(
		"sessions_completed_total",
		"Transfers that terminated normally.",
		counter(&c.sessionsCompleted),
	))
	c.registry.MustRegister(makeCounter(
		"sessions_failed_total",
		"Transfers that terminated abnormally.",
		counter(&c.sessionsFailed),
	))
	c.registry.MustRegister(makeGauge(
		"active_sessions",
		"Transfers currently in flight.",
		func(s TransferSnapshot) float64 { return float64(s.ActiveSessions) },
	))
	c.registry.MustRegister(makeGauge(
		"throughput_bytes_per_second",
		"Combined send and receive rate since server start.",
		func(s TransferSnapshot) float64 { return s.ThroughputBps },
	))
}

package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/events"
	"github.com/opd-ai/tftpd/limits"
	"github.com/opd-ai/tftpd/wire"
)

// DefaultTimeout is how long a session waits for the peer's next datagram
// before retransmitting.
const DefaultTimeout = 1 * time.Second

// DefaultRetries is the per-block retransmission budget. After this many
// consecutive timeouts on the same block the session terminates.
const DefaultRetries = 5

// DefaultMaxDuration is the hard wall-time cap on a single transfer.
const DefaultMaxDuration = 10 * time.Minute

// ErrRetriesExhausted indicates the peer stopped responding.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// ErrSessionTimeout indicates the wall-time cap was exceeded.
var ErrSessionTimeout = errors.New("session exceeded maximum duration")

// ErrCancelled indicates the session was cancelled by the dispatcher.
var ErrCancelled = errors.New("session cancelled")

// ErrPeerError indicates the peer sent an ERROR packet.
var ErrPeerError = errors.New("peer aborted transfer")

// State is the coarse lifecycle state of a session.
type State uint8

const (
	// StateNegotiating covers the OACK exchange (options present only).
	StateNegotiating State = iota
	// StateTransferring covers the DATA/ACK block loop.
	StateTransferring
	// StateCompleted is a normal termination.
	StateCompleted
	// StateFailed is any abnormal termination.
	StateFailed
)

// Recorder receives transfer datapoints as they happen. Implementations
// must be safe for concurrent use; a nil Recorder is ignored.
type Recorder interface {
	RecordPacketSent(bytes int)
	RecordPacketReceived(bytes int)
	RecordRetransmission()
}

// Config carries everything a session needs from the dispatcher.
type Config struct {
	// ID is the dispatcher-assigned monotonic session id.
	ID uint64
	// Conn is the session's own ephemeral UDP socket. The session owns it
	// and closes it when Run returns.
	Conn *net.UDPConn
	// Peer is the client's transfer ID (IP and port), fixed for the life
	// of the session.
	Peer *net.UDPAddr
	// Filename is the client-visible name, used in events and logs.
	Filename string
	// Negotiated holds the blksize/tsize agreement.
	Negotiated wire.NegotiatedOptions
	// OackOptions is the option set to acknowledge. Empty means no OACK
	// is sent and the transfer runs per RFC 1350.
	OackOptions wire.OptionMap
	// Timeout is the per-datagram receive deadline; DefaultTimeout if zero.
	Timeout time.Duration
	// Retries is the per-block retry budget; DefaultRetries if zero.
	Retries int
	// MaxDuration is the wall-time cap; DefaultMaxDuration if zero.
	MaxDuration time.Duration
	// Sink receives lifecycle events; nil discards them.
	Sink *events.Sink
	// Metrics receives transfer datapoints; nil discards them.
	Metrics Recorder
	// Time supplies the clock; the real clock if nil.
	Time TimeProvider
}

// session holds the state shared by read and write state machines.
type session struct {
	cfg  Config
	time TimeProvider

	mu               sync.Mutex
	state            State
	currentBlock     uint64 // logical block count, not truncated to 16 bits
	bytesTransferred uint64
	lastActivity     time.Time

	started time.Time
	recvBuf []byte
}

func newSession(cfg Config) session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	tp := cfg.Time
	if tp == nil {
		tp = defaultTimeProvider
	}
	return session{
		cfg:     cfg,
		time:    tp,
		recvBuf: make([]byte, limits.MaxDatagram),
	}
}

// State returns the session's lifecycle state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BytesTransferred returns the number of payload bytes moved so far.
func (s *session) BytesTransferred() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesTransferred
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) advance(payloadLen int) {
	s.mu.Lock()
	s.currentBlock++
	s.bytesTransferred += uint64(payloadLen)
	s.lastActivity = s.time.Now()
	s.mu.Unlock()
}

// send transmits pkt to the session peer.
func (s *session) send(pkt wire.Packet) error {
	data := pkt.Serialize()
	n, err := s.cfg.Conn.WriteToUDP(data, s.cfg.Peer)
	if err != nil {
		return fmt.Errorf("sending %T: %w", pkt, err)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordPacketSent(n)
	}
	return nil
}

// errTimeout is an internal marker for an expired receive deadline.
var errTimeout = errors.New("receive deadline expired")

// ctxErr maps a done context to the session's terminal error: the wall-time
// deadline maps to ErrSessionTimeout, everything else to ErrCancelled.
func (s *session) ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrSessionTimeout
	}
	return ErrCancelled
}

// receive waits until deadline for a datagram from the session peer.
//
// Datagrams from foreign sources are answered with TFTP error 5 and do not
// consume the deadline. Unparseable datagrams from the peer are dropped;
// the deadline keeps running. Returns errTimeout when the deadline passes.
// A done context (dispatcher shutdown or the wall-time cap baked into it)
// aborts the wait even while a misbehaving peer keeps packets flowing.
func (s *session) receive(ctx context.Context, deadline time.Time) (wire.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, s.ctxErr(ctx)
		}
		if err := s.cfg.Conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}
		n, from, err := s.cfg.Conn.ReadFromUDP(s.recvBuf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, s.ctxErr(ctx)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, errTimeout
			}
			return nil, fmt.Errorf("receiving datagram: %w", err)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordPacketReceived(n)
		}

		if !sameAddr(from, s.cfg.Peer) {
			s.rejectForeign(from)
			continue
		}

		pkt, err := wire.ParsePacket(s.recvBuf[:n])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "receive",
				"session":  s.cfg.ID,
				"error":    err,
			}).Debug("Dropping malformed datagram from peer")
			continue
		}
		return pkt, nil
	}
}

// rejectForeign answers an intruding source with TFTP error 5. Session
// state is untouched.
func (s *session) rejectForeign(from *net.UDPAddr) {
	logrus.WithFields(logrus.Fields{
		"function": "rejectForeign",
		"session":  s.cfg.ID,
		"peer":     s.cfg.Peer.String(),
		"intruder": from.String(),
	}).Warn("Datagram from unknown transfer ID")
	pkt := wire.NewError(wire.ErrUnknownTID)
	_, _ = s.cfg.Conn.WriteToUDP(pkt.Serialize(), from)
}

// sendErrorBestEffort tells the peer the session is over. Failures are
// ignored; the peer may already be gone.
func (s *session) sendErrorBestEffort(code wire.ErrorCode, message string) {
	pkt := &wire.Error{Code: code, Message: message}
	if message == "" {
		pkt.Message = code.String()
	}
	_, _ = s.cfg.Conn.WriteToUDP(pkt.Serialize(), s.cfg.Peer)
}

// checkDeadlines enforces cancellation and the wall-time cap.
func (s *session) checkDeadlines(ctx context.Context) error {
	if ctx.Err() != nil {
		return s.ctxErr(ctx)
	}
	if s.time.Since(s.started) > s.cfg.MaxDuration {
		return ErrSessionTimeout
	}
	return nil
}

// wireBlock converts a logical block count to its 16-bit wire value.
// Transfers longer than 65535 blocks wrap: ... 65535, 0, 1, ...
func wireBlock(logical uint64) uint16 {
	return uint16(logical & 0xffff)
}

// isStaleAck reports whether received acknowledges an earlier block than
// expected, under wrap-aware cyclic comparison: a distance of at most 32768
// behind the expected block counts as stale. Delayed duplicates after a
// block-number wrap are ignored rather than terminating the transfer.
func isStaleAck(expected, received uint16) bool {
	if received == expected {
		return false
	}
	return expected-received <= 32768
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func (s *session) fields(fn string) logrus.Fields {
	return logrus.Fields{
		"function": fn,
		"session":  s.cfg.ID,
		"peer":     s.cfg.Peer.String(),
		"filename": s.cfg.Filename,
	}
}

// Package transport provides the UDP sockets the TFTP server runs on: the
// well-known listener owned by the dispatcher and the ephemeral per-session
// sockets mandated by RFC 1350's transfer-ID rule.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/limits"
	"github.com/opd-ai/tftpd/wire"
)

// PacketHandler is a function that processes incoming packets.
type PacketHandler func(packet wire.Packet, addr *net.UDPAddr)

// RejectHandler is called for datagrams that fail to parse and for RRQ/WRQ
// datagrams larger than limits.MaxRequestPacket.
type RejectHandler func(err error, addr *net.UDPAddr)

// Listener owns the well-known TFTP socket and dispatches decoded packets
// by opcode.
type Listener struct {
	conn     *net.UDPConn
	handlers map[wire.Opcode]PacketHandler
	fallback PacketHandler
	reject   RejectHandler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewListener binds the well-known UDP socket and starts the packet
// processing loop. Register handlers immediately after; packets with no
// handler fall through to the fallback.
func NewListener(listenAddr string) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		conn:     conn,
		handlers: make(map[wire.Opcode]PacketHandler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go l.processPackets()

	logrus.WithFields(logrus.Fields{
		"function": "NewListener",
		"addr":     conn.LocalAddr().String(),
	}).Info("TFTP listener started")

	return l, nil
}

// RegisterHandler registers a handler for a specific opcode.
func (l *Listener) RegisterHandler(op wire.Opcode, handler PacketHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[op] = handler
}

// SetFallbackHandler registers the handler for opcodes with no specific
// handler (the dispatcher answers these with TFTP error 4).
func (l *Listener) SetFallbackHandler(handler PacketHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fallback = handler
}

// SetRejectHandler registers the handler for datagrams that fail to parse
// or exceed the request size limit.
func (l *Listener) SetRejectHandler(handler RejectHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reject = handler
}

// Send serializes pkt and transmits it to addr from the listening socket.
func (l *Listener) Send(pkt wire.Packet, addr *net.UDPAddr) error {
	_, err := l.conn.WriteToUDP(pkt.Serialize(), addr)
	return err
}

// LocalAddr returns the bound listening address.
func (l *Listener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Close shuts the listener down and waits for the processing loop to exit.
func (l *Listener) Close() error {
	l.cancel()
	err := l.conn.Close()
	<-l.done
	return err
}

// processPackets handles incoming datagrams until the listener is closed.
func (l *Listener) processPackets() {
	defer close(l.done)
	buffer := make([]byte, limits.MaxDatagram)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			l.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single datagram.
func (l *Listener) processIncomingPacket(buffer []byte) {
	_ = l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := l.conn.ReadFromUDP(buffer)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if l.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "processIncomingPacket",
				"error":    err,
			}).Warn("Listener read failed")
		}
		return
	}

	pkt, err := wire.ParsePacket(buffer[:n])
	if err == nil && (pkt.Op() == wire.OpReadRequest || pkt.Op() == wire.OpWriteRequest) {
		err = limits.ValidateRequestPacket(buffer[:n])
	}
	if err != nil {
		l.mu.RLock()
		reject := l.reject
		l.mu.RUnlock()
		if reject != nil {
			reject(err, addr)
		}
		return
	}

	l.dispatchPacketToHandler(pkt, addr)
}

// dispatchPacketToHandler finds and executes the appropriate packet handler.
func (l *Listener) dispatchPacketToHandler(pkt wire.Packet, addr *net.UDPAddr) {
	l.mu.RLock()
	handler, exists := l.handlers[pkt.Op()]
	if !exists {
		handler = l.fallback
	}
	l.mu.RUnlock()

	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatchPacketToHandler",
			"opcode":   pkt.Op(),
			"from":     addr.String(),
		}).Debug("No handler for packet")
		return
	}
	handler(pkt, addr)
}

// DialEphemeral binds a fresh OS-assigned UDP port in the peer's address
// family for a transfer session. The socket stays unconnected so datagrams
// from foreign sources remain visible and can be answered with TFTP error 5.
func DialEphemeral(peer *net.UDPAddr) (*net.UDPConn, error) {
	bindIP := net.IPv4zero
	if peer.IP.To4() == nil {
		bindIP = net.IPv6zero
	}
	return net.ListenUDP("udp", &net.UDPAddr{IP: bindIP})
}

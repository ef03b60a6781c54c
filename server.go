package tftpd

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/events"
	"github.com/opd-ai/tftpd/session"
	"github.com/opd-ai/tftpd/transport"
	"github.com/opd-ai/tftpd/wire"
)

// registerHandlers wires the dispatcher into the listening socket.
//
// Only RRQ and WRQ start transfers. Every other opcode arriving at the
// well-known port, and every datagram that fails to parse, is answered with
// TFTP error 4 from the listening socket.
func (s *Server) registerHandlers() {
	s.listener.RegisterHandler(wire.OpReadRequest, s.handleReadRequest)
	s.listener.RegisterHandler(wire.OpWriteRequest, s.handleWriteRequest)
	s.listener.SetFallbackHandler(func(pkt wire.Packet, addr *net.UDPAddr) {
		logrus.WithFields(logrus.Fields{
			"function": "fallbackHandler",
			"opcode":   pkt.Op(),
			"from":     addr.String(),
		}).Warn("Non-request packet at listening port")
		_ = s.listener.Send(wire.NewError(wire.ErrIllegalOperation), addr)
	})
	s.listener.SetRejectHandler(func(err error, addr *net.UDPAddr) {
		logrus.WithFields(logrus.Fields{
			"function": "rejectHandler",
			"from":     addr.String(),
			"error":    err,
		}).Warn("Malformed packet at listening port")
		s.sink.Publish(events.Log{Message: fmt.Sprintf("%s: bad packet: %v", addr, err)})
		_ = s.listener.Send(wire.NewError(wire.ErrIllegalOperation), addr)
	})
}

// checkMode validates the request mode. Octet is served as-is; netascii is
// served as octet with a warning; mail and unknown modes are rejected.
func (s *Server) checkMode(rawMode string, peer *net.UDPAddr) error {
	mode, ok := wire.ParseMode(rawMode)
	if !ok {
		return wire.NewTFTPError(wire.ErrIllegalOperation, fmt.Sprintf("unknown mode %q", rawMode))
	}
	switch mode {
	case wire.ModeMail:
		return wire.NewTFTPError(wire.ErrIllegalOperation, "mail mode not supported")
	case wire.ModeNetascii:
		logrus.WithFields(logrus.Fields{
			"function": "checkMode",
			"peer":     peer.String(),
		}).Warn("netascii requested, serving as octet")
	}
	return nil
}

// reject answers a failed request from the listening socket and logs it.
// No session is created.
func (s *Server) reject(peer *net.UDPAddr, filename string, err error) {
	te := wire.AsTFTPError(err)
	s.sink.Publish(events.Log{Message: fmt.Sprintf("%s: %q rejected: %s", peer, filename, te.Message)})
	_ = s.listener.Send(te.Packet(), peer)
}

// handleReadRequest validates an RRQ and spawns a read session on its own
// ephemeral socket.
func (s *Server) handleReadRequest(pkt wire.Packet, peer *net.UDPAddr) {
	req, ok := pkt.(*wire.ReadRequest)
	if !ok {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReadRequest",
		"peer":     peer.String(),
		"filename": req.Filename,
	}).Info("RRQ received")

	if err := s.checkMode(req.Mode, peer); err != nil {
		s.reject(peer, req.Filename, err)
		return
	}

	file, size, err := s.root.OpenRead(req.Filename)
	if err != nil {
		s.reject(peer, req.Filename, err)
		return
	}

	negotiated, oackOptions := wire.Negotiate(req.Options, uint64(size), true)

	cfg, ok := s.startSession(peer, req.Filename, negotiated, oackOptions)
	if !ok {
		file.Close()
		return
	}

	s.sink.Publish(events.Log{Message: fmt.Sprintf("%s: RRQ %q (%d bytes)%s", peer, req.Filename, size, describeOptions(oackOptions))})
	sess := session.NewReadSession(cfg, file, size)
	s.spawn(cfg.ID, func() error { return sess.Run(s.ctx) })
}

// handleWriteRequest validates a WRQ and spawns a write session on its own
// ephemeral socket.
func (s *Server) handleWriteRequest(pkt wire.Packet, peer *net.UDPAddr) {
	req, ok := pkt.(*wire.WriteRequest)
	if !ok {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleWriteRequest",
		"peer":     peer.String(),
		"filename": req.Filename,
	}).Info("WRQ received")

	if err := s.checkMode(req.Mode, peer); err != nil {
		s.reject(peer, req.Filename, err)
		return
	}

	temp, dest, err := s.root.CreateUpload(req.Filename)
	if err != nil {
		s.reject(peer, req.Filename, err)
		return
	}

	negotiated, oackOptions := wire.Negotiate(req.Options, 0, false)

	cfg, ok := s.startSession(peer, req.Filename, negotiated, oackOptions)
	if !ok {
		temp.Close()
		_ = s.root.FS().Remove(temp.Name())
		return
	}

	s.sink.Publish(events.Log{Message: fmt.Sprintf("%s: WRQ %q%s", peer, req.Filename, describeOptions(oackOptions))})
	sess := session.NewWriteSession(cfg, temp, dest, s.root.FS())
	s.spawn(cfg.ID, func() error { return sess.Run(s.ctx) })
}

// startSession reserves a registry slot and binds the session's ephemeral
// socket. On failure the peer has already been answered and ok is false.
func (s *Server) startSession(peer *net.UDPAddr, filename string, negotiated wire.NegotiatedOptions, oackOptions wire.OptionMap) (session.Config, bool) {
	id := s.nextID.Add(1)

	info := sessionInfo{id: id, peer: peer.String(), filename: filename, started: time.Now()}
	if !s.registry.add(info) {
		logrus.WithFields(logrus.Fields{
			"function": "startSession",
			"peer":     peer.String(),
			"active":   s.registry.count(),
		}).Warn("Concurrency cap reached")
		s.reject(peer, filename, wire.NewTFTPError(wire.ErrNotDefined, "server busy"))
		return session.Config{}, false
	}

	conn, err := transport.DialEphemeral(peer)
	if err != nil {
		s.registry.remove(id)
		s.reject(peer, filename, fmt.Errorf("binding transfer socket: %w", err))
		return session.Config{}, false
	}

	return session.Config{
		ID:          id,
		Conn:        conn,
		Peer:        peer,
		Filename:    filename,
		Negotiated:  negotiated,
		OackOptions: oackOptions,
		Timeout:     s.options.Timeout,
		Retries:     s.options.Retries,
		MaxDuration: s.options.MaxSessionDuration,
		Sink:        s.sink,
		Metrics:     s.collector,
	}, true
}

// spawn runs a session to completion in its own goroutine, keeping the
// registry and metrics in step with its lifecycle.
func (s *Server) spawn(id uint64, run func() error) {
	s.collector.RecordSessionStart()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.registry.remove(id)
		err := run()
		s.collector.RecordSessionEnd(err != nil)
	}()
}

// describeOptions renders a negotiated option set for log lines.
func describeOptions(m wire.OptionMap) string {
	if m.Len() == 0 {
		return ""
	}
	parts := make([]string, 0, m.Len())
	for _, p := range m.Pairs() {
		parts = append(parts, p.Name+"="+p.Value)
	}
	return " " + strings.Join(parts, " ")
}

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/events"
	"github.com/opd-ai/tftpd/fsroot"
	"github.com/opd-ai/tftpd/wire"
)

// ReadSession streams a file to the peer: DATA out, ACK in, one block at a
// time. Termination is signalled by a DATA payload shorter than blksize; a
// file whose size is an exact multiple of blksize gets a final zero-length
// block.
type ReadSession struct {
	session
	file fsroot.File
	size int64
}

// NewReadSession builds a read session over an already-opened file.
// The session takes ownership of cfg.Conn and file.
func NewReadSession(cfg Config, file fsroot.File, size int64) *ReadSession {
	return &ReadSession{session: newSession(cfg), file: file, size: size}
}

// Run drives the transfer to completion. The socket and file are closed
// before it returns. The returned error is nil on normal termination.
func (s *ReadSession) Run(ctx context.Context) error {
	defer s.cfg.Conn.Close()
	defer s.file.Close()

	s.started = s.time.Now()

	// The wall-time cap is baked into the context so it binds inside the
	// await loop too: a peer feeding stale ACKs every timeout window can
	// keep receive returning early, but cannot outlive the deadline.
	ctx, cancel := context.WithDeadline(ctx, s.started.Add(s.cfg.MaxDuration))
	defer cancel()

	// Wake a blocked read immediately on cancellation so teardown stays
	// within the cancellation budget.
	stop := context.AfterFunc(ctx, func() {
		_ = s.cfg.Conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	s.cfg.Sink.Publish(events.SessionStarted{
		ID:         s.cfg.ID,
		Peer:       s.cfg.Peer,
		Filename:   s.cfg.Filename,
		Kind:       events.KindRead,
		TotalBytes: uint64(s.size),
		SizeKnown:  true,
		Started:    s.started,
	})
	logrus.WithFields(s.fields("ReadSession.Run")).
		WithField("size", s.size).Info("Download started")

	err := s.run(ctx)
	if err != nil {
		s.setState(StateFailed)
		s.cfg.Sink.Publish(events.SessionFailed{ID: s.cfg.ID, Reason: err.Error()})
		logrus.WithFields(s.fields("ReadSession.Run")).
			WithField("error", err).Warn("Download failed")
		return err
	}

	s.setState(StateCompleted)
	s.cfg.Sink.Publish(events.SessionCompleted{
		ID:          s.cfg.ID,
		Transferred: s.BytesTransferred(),
		Duration:    s.time.Since(s.started),
	})
	logrus.WithFields(s.fields("ReadSession.Run")).
		WithField("bytes", s.BytesTransferred()).Info("Download complete")
	return nil
}

func (s *ReadSession) run(ctx context.Context) error {
	if s.cfg.OackOptions.Len() > 0 {
		s.setState(StateNegotiating)
		if err := s.negotiate(ctx); err != nil {
			return err
		}
	}
	s.setState(StateTransferring)

	blksize := s.cfg.Negotiated.BlockSize
	buf := make([]byte, blksize)

	for block := uint64(1); ; block++ {
		if err := s.checkDeadlines(ctx); err != nil {
			s.sendErrorBestEffort(wire.ErrNotDefined, err.Error())
			return err
		}

		offset := int64(block-1) * int64(blksize)
		n, err := s.file.ReadAt(buf, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			s.sendErrorBestEffort(wire.ErrNotDefined, "file read failed")
			return fmt.Errorf("reading block %d: %w", block, err)
		}

		data := &wire.Data{Block: wireBlock(block), Payload: buf[:n]}
		if err := s.send(data); err != nil {
			return err
		}
		if err := s.awaitAck(ctx, wireBlock(block), data); err != nil {
			if errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrSessionTimeout) {
				s.sendErrorBestEffort(wire.ErrNotDefined, err.Error())
			}
			return err
		}

		s.advance(n)
		s.cfg.Sink.Publish(events.BlockProgress{
			ID:          s.cfg.ID,
			Transferred: s.BytesTransferred(),
			TotalBytes:  uint64(s.size),
		})

		// A short block, including an empty one, ends the transfer.
		if n < blksize {
			return nil
		}
	}
}

// negotiate sends the OACK and waits for the peer's ACK of block 0.
func (s *ReadSession) negotiate(ctx context.Context) error {
	oack := &wire.OptionAck{Options: s.cfg.OackOptions}
	if err := s.send(oack); err != nil {
		return err
	}
	if err := s.awaitAck(ctx, 0, oack); err != nil {
		if errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrSessionTimeout) {
			s.sendErrorBestEffort(wire.ErrNotDefined, err.Error())
		}
		return err
	}
	return nil
}

// awaitAck waits for the peer to acknowledge block expected, retransmitting
// resend on each timeout until the retry budget runs out.
//
// Stale ACKs (wrap-aware) are ignored without touching the running deadline,
// so a burst of delayed duplicates cannot keep a dead transfer alive.
func (s *ReadSession) awaitAck(ctx context.Context, expected uint16, resend wire.Packet) error {
	retries := s.cfg.Retries
	deadline := s.time.Now().Add(s.cfg.Timeout)

	for {
		pkt, err := s.receive(ctx, deadline)
		switch {
		case errors.Is(err, errTimeout):
			retries--
			if retries <= 0 {
				return fmt.Errorf("%w: block %d unacknowledged", ErrRetriesExhausted, expected)
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordRetransmission()
			}
			logrus.WithFields(s.fields("awaitAck")).WithFields(logrus.Fields{
				"block":   expected,
				"retries": retries,
			}).Debug("Timeout, retransmitting")
			if err := s.send(resend); err != nil {
				return err
			}
			deadline = s.time.Now().Add(s.cfg.Timeout)
			continue
		case err != nil:
			return err
		}

		switch p := pkt.(type) {
		case *wire.Ack:
			if p.Block == expected {
				return nil
			}
			if isStaleAck(expected, p.Block) {
				logrus.WithFields(s.fields("awaitAck")).WithFields(logrus.Fields{
					"expected": expected,
					"received": p.Block,
				}).Debug("Ignoring stale ACK")
			}
			// Keep waiting on the original deadline.
		case *wire.Error:
			return fmt.Errorf("%w: code %d: %s", ErrPeerError, p.Code, p.Message)
		default:
			// Unexpected opcode from the peer mid-transfer; ignore.
		}
	}
}

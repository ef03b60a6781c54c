package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/events"
	"github.com/opd-ai/tftpd/fsroot"
	"github.com/opd-ai/tftpd/wire"
)

// WriteSession receives a file from the peer: ACK out, DATA in. Payload goes
// to a temp file that is fsynced and renamed over the destination on normal
// termination, so a concurrent reader never observes a partial upload. Every
// failure path deletes the temp file.
type WriteSession struct {
	session
	temp fsroot.WritableFile
	dest string
	fs   fsroot.FileSystem
}

// NewWriteSession builds a write session over an already-created temp file.
// The session takes ownership of cfg.Conn and temp; dest is the final path
// for the completing rename.
func NewWriteSession(cfg Config, temp fsroot.WritableFile, dest string, fs fsroot.FileSystem) *WriteSession {
	return &WriteSession{session: newSession(cfg), temp: temp, dest: dest, fs: fs}
}

// Run drives the transfer to completion. The socket is closed and the temp
// file either renamed into place or deleted before it returns.
func (s *WriteSession) Run(ctx context.Context) error {
	defer s.cfg.Conn.Close()

	s.started = s.time.Now()

	// The wall-time cap is baked into the context so it binds inside the
	// await loop too: duplicate or out-of-window DATA arriving every
	// timeout window cannot keep the session alive past the deadline.
	ctx, cancel := context.WithDeadline(ctx, s.started.Add(s.cfg.MaxDuration))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		_ = s.cfg.Conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	s.cfg.Sink.Publish(events.SessionStarted{
		ID:         s.cfg.ID,
		Peer:       s.cfg.Peer,
		Filename:   s.cfg.Filename,
		Kind:       events.KindWrite,
		TotalBytes: s.cfg.Negotiated.TransferSize,
		SizeKnown:  s.cfg.Negotiated.HasTransferSize,
		Started:    s.started,
	})
	logrus.WithFields(s.fields("WriteSession.Run")).Info("Upload started")

	err := s.run(ctx)
	if err != nil {
		s.discardTemp()
		s.setState(StateFailed)
		s.cfg.Sink.Publish(events.SessionFailed{ID: s.cfg.ID, Reason: err.Error()})
		logrus.WithFields(s.fields("WriteSession.Run")).
			WithField("error", err).Warn("Upload failed")
		return err
	}

	s.setState(StateCompleted)
	s.cfg.Sink.Publish(events.SessionCompleted{
		ID:          s.cfg.ID,
		Transferred: s.BytesTransferred(),
		Duration:    s.time.Since(s.started),
	})
	logrus.WithFields(s.fields("WriteSession.Run")).
		WithField("bytes", s.BytesTransferred()).Info("Upload complete")
	return nil
}

func (s *WriteSession) run(ctx context.Context) error {
	// Open the data flow: OACK when options were negotiated, ACK 0 otherwise.
	var lastReply wire.Packet
	if s.cfg.OackOptions.Len() > 0 {
		s.setState(StateNegotiating)
		lastReply = &wire.OptionAck{Options: s.cfg.OackOptions}
	} else {
		s.setState(StateTransferring)
		lastReply = &wire.Ack{Block: 0}
	}
	if err := s.send(lastReply); err != nil {
		return err
	}

	blksize := s.cfg.Negotiated.BlockSize

	for expected := uint64(1); ; expected++ {
		if err := s.checkDeadlines(ctx); err != nil {
			s.sendErrorBestEffort(wire.ErrNotDefined, err.Error())
			return err
		}

		payload, err := s.awaitData(ctx, expected, &lastReply)
		if err != nil {
			if errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrSessionTimeout) {
				s.sendErrorBestEffort(wire.ErrNotDefined, err.Error())
			}
			return err
		}
		s.setState(StateTransferring)

		s.advance(len(payload))
		s.cfg.Sink.Publish(events.BlockProgress{
			ID:          s.cfg.ID,
			Transferred: s.BytesTransferred(),
			TotalBytes:  s.cfg.Negotiated.TransferSize,
		})

		if len(payload) < blksize {
			return s.finalize()
		}
	}
}

// awaitData waits for DATA block expected, re-sending the previous reply on
// each timeout. The accepted payload is written to the temp file and the
// block acknowledged before returning.
func (s *WriteSession) awaitData(ctx context.Context, expected uint64, lastReply *wire.Packet) ([]byte, error) {
	retries := s.cfg.Retries
	deadline := s.time.Now().Add(s.cfg.Timeout)
	expectedWire := wireBlock(expected)
	previousWire := wireBlock(expected - 1)

	for {
		pkt, err := s.receive(ctx, deadline)
		switch {
		case errors.Is(err, errTimeout):
			retries--
			if retries <= 0 {
				return nil, fmt.Errorf("%w: DATA block %d never arrived", ErrRetriesExhausted, expectedWire)
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordRetransmission()
			}
			logrus.WithFields(s.fields("awaitData")).WithFields(logrus.Fields{
				"block":   expectedWire,
				"retries": retries,
			}).Debug("Timeout, re-sending last reply")
			if err := s.send(*lastReply); err != nil {
				return nil, err
			}
			deadline = s.time.Now().Add(s.cfg.Timeout)
			continue
		case err != nil:
			return nil, err
		}

		switch p := pkt.(type) {
		case *wire.Data:
			switch p.Block {
			case expectedWire:
				if err := s.writeBlock(p.Payload); err != nil {
					return nil, err
				}
				ack := &wire.Ack{Block: p.Block}
				if err := s.send(ack); err != nil {
					return nil, err
				}
				*lastReply = ack
				return p.Payload, nil
			case previousWire:
				// The peer missed our ACK; repeat it without re-writing
				// the payload.
				if err := s.send(&wire.Ack{Block: p.Block}); err != nil {
					return nil, err
				}
			default:
				// Out-of-window block; ignore.
			}
		case *wire.Error:
			return nil, fmt.Errorf("%w: code %d: %s", ErrPeerError, p.Code, p.Message)
		default:
			// Unexpected opcode from the peer mid-transfer; ignore.
		}
	}
}

// writeBlock appends payload to the temp file, reporting disk failures to
// the peer with the appropriate error code.
func (s *WriteSession) writeBlock(payload []byte) error {
	if _, err := s.temp.Write(payload); err != nil {
		code := wire.ErrAccessViolation
		if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
			code = wire.ErrDiskFull
		}
		s.sendErrorBestEffort(code, code.String())
		return fmt.Errorf("writing upload block: %w", err)
	}
	return nil
}

// finalize flushes the temp file and renames it onto the destination.
func (s *WriteSession) finalize() error {
	if err := s.temp.Sync(); err != nil {
		s.sendErrorBestEffort(wire.ErrDiskFull, "sync failed")
		return fmt.Errorf("syncing upload: %w", err)
	}
	if err := s.temp.Close(); err != nil {
		s.sendErrorBestEffort(wire.ErrDiskFull, "close failed")
		_ = s.fs.Remove(s.temp.Name())
		return fmt.Errorf("closing upload: %w", err)
	}
	if err := s.fs.Rename(s.temp.Name(), s.dest); err != nil {
		_ = s.fs.Remove(s.temp.Name())
		s.sendErrorBestEffort(wire.ErrAccessViolation, "rename failed")
		return fmt.Errorf("renaming upload into place: %w", err)
	}
	return nil
}

// discardTemp removes the temp file after a failed upload.
func (s *WriteSession) discardTemp() {
	_ = s.temp.Close()
	if err := s.fs.Remove(s.temp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithFields(s.fields("discardTemp")).
			WithField("error", err).Debug("Temp file cleanup failed")
	}
}

// Package tftpd implements a TFTP server: RFC 1350 with the RFC 2347 option
// extension and the RFC 2348 blksize option, serving downloads and uploads
// (including into nested subdirectories) from a single root directory.
//
// Example:
//
//	srv, err := tftpd.New(tftpd.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Kill()
//
//	go func() {
//	    for ev := range srv.Events() {
//	        fmt.Printf("%+v\n", ev)
//	    }
//	}()
package tftpd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/events"
	"github.com/opd-ai/tftpd/fsroot"
	"github.com/opd-ai/tftpd/metrics"
	"github.com/opd-ai/tftpd/session"
	"github.com/opd-ai/tftpd/transport"
)

// DefaultMaxSessions caps concurrent transfers; requests beyond it are
// answered with a "server busy" error.
const DefaultMaxSessions = 256

// Options contains server configuration.
type Options struct {
	// ListenAddr is the well-known UDP address, ":69" by default.
	ListenAddr string
	// RootDir is the served directory, "." by default.
	RootDir string
	// MaxSessions caps concurrent transfers.
	MaxSessions int
	// Timeout is the per-datagram receive deadline for sessions.
	Timeout time.Duration
	// Retries is the per-block retransmission budget.
	Retries int
	// MaxSessionDuration is the hard wall-time cap per transfer.
	MaxSessionDuration time.Duration
	// EventBuffer sizes the lossy event sink.
	EventBuffer int
	// Filesystem overrides the storage backend; nil selects the OS.
	Filesystem fsroot.FileSystem
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		ListenAddr:         ":69",
		RootDir:            ".",
		MaxSessions:        DefaultMaxSessions,
		Timeout:            session.DefaultTimeout,
		Retries:            session.DefaultRetries,
		MaxSessionDuration: session.DefaultMaxDuration,
		EventBuffer:        events.DefaultCapacity,
	}
}

// Server is a running TFTP server instance.
type Server struct {
	options   *Options
	root      *fsroot.Root
	listener  *transport.Listener
	sink      *events.Sink
	collector *metrics.TransferCollector
	registry  *sessionRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	nextID atomic.Uint64

	killOnce sync.Once
}

// New creates a Server from options and starts accepting requests.
// A nil options selects the defaults.
func New(options *Options) (*Server, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.MaxSessions <= 0 {
		options.MaxSessions = DefaultMaxSessions
	}

	root, err := fsroot.NewRoot(options.RootDir, options.Filesystem)
	if err != nil {
		return nil, fmt.Errorf("preparing served directory: %w", err)
	}

	listener, err := transport.NewListener(options.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("binding listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		options:   options,
		root:      root,
		listener:  listener,
		sink:      events.NewSink(options.EventBuffer),
		collector: metrics.NewTransferCollector(""),
		registry:  newSessionRegistry(options.MaxSessions),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.registerHandlers()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"addr":     listener.LocalAddr().String(),
		"dir":      root.Dir(),
	}).Info("TFTP server ready")
	s.sink.Publish(events.Log{Message: fmt.Sprintf("Listening on %s, serving %s", listener.LocalAddr(), root.Dir())})

	return s, nil
}

// Events returns the server's event stream. Delivery is lossy; see the
// events package.
func (s *Server) Events() <-chan events.Event { return s.sink.Events() }

// Sink returns the publish side of the event stream, shared with in-process
// collaborators like the HTTP browser.
func (s *Server) Sink() *events.Sink { return s.sink }

// Metrics returns the server's transfer statistics collector.
func (s *Server) Metrics() *metrics.TransferCollector { return s.collector }

// Root returns the served directory handler (shared with the HTTP browser).
func (s *Server) Root() *fsroot.Root { return s.root }

// Addr returns the bound listening address.
func (s *Server) Addr() net.Addr { return s.listener.LocalAddr() }

// ActiveSessions returns the number of transfers in flight.
func (s *Server) ActiveSessions() int { return s.registry.count() }

// SessionStatus describes one transfer in flight.
type SessionStatus struct {
	ID       uint64
	Peer     string
	Filename string
	Started  time.Time
}

// Sessions snapshots the transfers in flight, ordered by id.
func (s *Server) Sessions() []SessionStatus {
	infos := s.registry.list()
	out := make([]SessionStatus, len(infos))
	for i, info := range infos {
		out[i] = SessionStatus{ID: info.id, Peer: info.peer, Filename: info.filename, Started: info.started}
	}
	return out
}

// Kill stops accepting requests, cancels every active transfer and waits
// for them to clean up. Safe to call more than once.
func (s *Server) Kill() {
	s.killOnce.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
		}).Info("TFTP server shutting down")
		s.cancel()
		_ = s.listener.Close()
		s.wg.Wait()
		s.sink.Close()
	})
}

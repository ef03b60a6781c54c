// Command tftpd runs the TFTP server with an optional terminal dashboard
// and HTTP file browser.
//
// Exit codes: 0 on normal shutdown, 2 when the UDP port cannot be bound,
// 1 on any other fatal error.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/tftpd"
	"github.com/opd-ai/tftpd/console"
	"github.com/opd-ai/tftpd/web"
)

const (
	exitOK        = 0
	exitFatal     = 1
	exitBindError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port     uint16
		dir      string
		logFile  string
		httpPort uint16
		quiet    bool
		logLevel string
	)

	var exitCode int

	rootCmd := &cobra.Command{
		Use:           "tftpd",
		Short:         "tftpd is a TFTP server with an optional HTTP file browser",
		Long:          "tftpd serves and receives files over TFTP (RFC 1350/2347/2348), including uploads into nested subdirectories, with live transfer progress on the terminal.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = serve(port, dir, logFile, httpPort, quiet, logLevel)
			return nil
		},
	}

	rootCmd.Flags().Uint16VarP(&port, "port", "p", 69, "UDP port to listen on")
	rootCmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory to serve and receive files")
	rootCmd.Flags().StringVarP(&logFile, "log-file", "l", "", "optional file path to write logs to")
	rootCmd.Flags().Uint16Var(&httpPort, "http-port", 0, "enable the HTTP file browser on this port (shares the served directory)")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "disable the terminal dashboard")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	return exitCode
}

func serve(port uint16, dir, logFile string, httpPort uint16, quiet bool, logLevel string) int {
	if err := configureLogging(logFile, logLevel, quiet); err != nil {
		logrus.WithField("error", err).Error("Logging setup failed")
		return exitFatal
	}

	opts := tftpd.NewOptions()
	opts.ListenAddr = fmt.Sprintf(":%d", port)
	opts.RootDir = dir

	srv, err := tftpd.New(opts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "serve",
			"error":    err,
		}).Error("Server startup failed")
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return exitBindError
		}
		return exitFatal
	}
	defer srv.Kill()

	logListenAddresses(port)

	var browser *web.Server
	if httpPort > 0 {
		browser = web.New(fmt.Sprintf(":%d", httpPort), srv.Root(), srv.Sink(), srv.Metrics())
		if err := browser.Start(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serve",
				"error":    err,
			}).Error("HTTP browser startup failed")
			return exitFatal
		}
	}

	consumerDone := make(chan struct{})
	if quiet {
		go func() {
			defer close(consumerDone)
			for ev := range srv.Events() {
				logrus.WithField("event", fmt.Sprintf("%+v", ev)).Debug("Transfer event")
			}
		}()
	} else {
		dashboard := console.NewDashboard()
		if err := dashboard.Start(); err != nil {
			logrus.WithField("error", err).Warn("Dashboard unavailable, continuing without it")
			go func() {
				defer close(consumerDone)
				for range srv.Events() {
				}
			}()
		} else {
			defer dashboard.Stop()
			go func() {
				defer close(consumerDone)
				dashboard.Run(srv.Events())
			}()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logrus.WithFields(logrus.Fields{
		"function": "serve",
		"signal":   sig.String(),
	}).Info("Shutting down")

	// The browser publishes to the server's event sink, so it must stop
	// before Kill closes the sink.
	if browser != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = browser.Shutdown(ctx)
		cancel()
	}
	srv.Kill()
	<-consumerDone
	return exitOK
}

// configureLogging points logrus at the log file when one is given. With
// the dashboard active and no log file, logging drops to warnings so bars
// and log lines do not fight over the terminal.
func configureLogging(logFile, logLevel string, quiet bool) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logrus.SetLevel(level)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logrus.SetOutput(f)
		return nil
	}
	if !quiet {
		logrus.SetLevel(logrus.WarnLevel)
	}
	return nil
}

// logListenAddresses reports the non-loopback addresses clients can reach.
func logListenAddresses(port uint16) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "logListenAddresses",
				"addr":     fmt.Sprintf("%s:%d", ipNet.IP, port),
				"iface":    iface.Name,
			}).Info("Reachable on")
		}
	}
}

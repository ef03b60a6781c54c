// Package web serves the TFTP root directory over read-only HTTP: directory
// listings, file downloads, and the Prometheus metrics endpoint. It shares
// the path sanitization of the TFTP engine, so nothing outside the served
// directory is ever reachable.
package web

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/events"
	"github.com/opd-ai/tftpd/fsroot"
	"github.com/opd-ai/tftpd/metrics"
)

// Server is the read-only HTTP file browser.
type Server struct {
	root     *fsroot.Root
	sink     *events.Sink
	httpSrv  *http.Server
	listener net.Listener
}

// New builds a browser over root. A non-nil collector additionally exposes
// /metrics in Prometheus format.
func New(addr string, root *fsroot.Root, sink *events.Sink, collector *metrics.TransferCollector) *Server {
	s := &Server{root: root, sink: sink}

	mux := http.NewServeMux()
	if collector != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.servePath)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the HTTP listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("binding HTTP listener: %w", err)
	}
	s.listener = ln

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"addr":     ln.Addr().String(),
	}).Info("HTTP browser started")
	s.sink.Publish(events.Log{Message: fmt.Sprintf("HTTP server listening on %s", ln.Addr())})

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err,
			}).Error("HTTP server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// servePath renders a directory listing or streams a file.
func (s *Server) servePath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stripped := strings.Trim(path.Clean(r.URL.Path), "/")
	s.sink.Publish(events.Log{Message: fmt.Sprintf("%s: HTTP GET /%s", r.RemoteAddr, stripped)})

	if stripped == "" || stripped == "." {
		s.renderDirectory(w, s.root.Dir(), "/")
		return
	}

	resolved, err := s.root.Resolve(stripped, false)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if info.IsDir() {
		s.renderDirectory(w, resolved, "/"+stripped+"/")
		return
	}

	http.ServeFile(w, r, resolved)
}

// listingEntry is one row of a directory listing.
type listingEntry struct {
	Name  string
	Href  string
	Size  int64
	IsDir bool
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<ul>
{{if ne .Path "/"}}<li><a href="../">../</a></li>{{end}}
{{range .Entries}}<li><a href="{{.Href}}">{{.Name}}{{if .IsDir}}/{{end}}</a>{{if not .IsDir}} ({{.Size}} bytes){{end}}</li>
{{end}}</ul>
</body>
</html>
`))

// renderDirectory writes an HTML index of dir.
func (s *Server) renderDirectory(w http.ResponseWriter, dir, urlPath string) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		http.Error(w, "failed to read directory", http.StatusInternalServerError)
		return
	}

	entries := make([]listingEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		// Hide in-flight upload temp files.
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		entry := listingEntry{
			Name:  de.Name(),
			Href:  path.Join(urlPath, de.Name()),
			IsDir: de.IsDir(),
		}
		if info, err := de.Info(); err == nil && !de.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := listingTemplate.Execute(w, struct {
		Path    string
		Entries []listingEntry
	}{Path: urlPath, Entries: entries}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "renderDirectory",
			"error":    err,
		}).Debug("Listing render failed")
	}
}

package handler

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/marmos91/pipeserv/internal/logger"
	"github.com/marmos91/pipeserv/pkg/pipeline"
)

const (
	// maxHeadBytes bounds a request head; larger heads get 431.
	maxHeadBytes = 16 << 10

	// maxDiscardBody bounds the request body read and thrown away before
	// answering a method we do not serve.
	maxDiscardBody = 1 << 20
)

var headTerminator = []byte("\r\n\r\n")

// StaticConfig configures the static file handler.
type StaticConfig struct {
	// Root is the document root.
	Root string `mapstructure:"root" validate:"required" json:"root"`

	// Index is the file served for a directory. Default: index.html.
	Index string `mapstructure:"index" json:"index,omitempty"`

	// DirectoryListing renders an HTML listing for directories without an
	// index file.
	DirectoryListing bool `mapstructure:"directory_listing" json:"directory_listing,omitempty"`

	// ServerName is sent in the Server header. Default: pipeserv.
	ServerName string `mapstructure:"server_name" json:"server_name,omitempty"`
}

func (c *StaticConfig) applyDefaults() {
	if c.Index == "" {
		c.Index = "index.html"
	}
	if c.ServerName == "" {
		c.ServerName = "pipeserv"
	}
}

// Static serves files from a document root over HTTP/1.x.
//
// Only GET and HEAD are served. Files go out through Response.WriteFile so
// their bytes never pass through the output buffer.
type Static struct {
	root   string
	config StaticConfig
}

// NewStatic checks the document root and returns the handler.
func NewStatic(config StaticConfig) (*Static, error) {
	config.applyDefaults()

	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", config.Root, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("static root %q: %w", config.Root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static root %q: not a directory", config.Root)
	}
	return &Static{root: root, config: config}, nil
}

// RemovePathDots resolves "." and ".." segments of a request path. The
// result is always rooted, so it can never climb above the document root.
func RemovePathDots(p string) string {
	return path.Clean("/" + p)
}

// Handle serves every complete request head in the input. An incomplete
// head is left buffered until more bytes arrive.
func (s *Static) Handle(req *pipeline.Request, resp *pipeline.Response) {
	for {
		buf := req.Buffered()
		end := bytes.Index(buf, headTerminator)
		if end < 0 {
			if len(buf) > maxHeadBytes {
				s.respondError(resp, http.StatusRequestHeaderFieldsTooLarge, true)
			}
			return
		}

		head := append([]byte(nil), buf[:end+len(headTerminator)]...)
		req.Discard(len(head))

		if !s.serveOne(req, resp, head) {
			return
		}
	}
}

// serveOne answers a single request and reports whether the connection
// stays open.
func (s *Static) serveOne(req *pipeline.Request, resp *pipeline.Response, head []byte) bool {
	hr, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		logger.Debug("Static: bad request from %v: %v", req.Peer(), err)
		s.respondError(resp, http.StatusBadRequest, true)
		return false
	}
	closeAfter := hr.Close

	if hr.ContentLength > 0 {
		if hr.ContentLength > maxDiscardBody || discardBody(req, hr.ContentLength) != nil {
			closeAfter = true
		}
	}

	if hr.Method != http.MethodGet && hr.Method != http.MethodHead {
		s.respondError(resp, http.StatusMethodNotAllowed, closeAfter)
		return !closeAfter
	}

	reqPath, err := url.PathUnescape(hr.URL.EscapedPath())
	if err != nil {
		s.respondError(resp, http.StatusBadRequest, closeAfter)
		return !closeAfter
	}
	reqPath = RemovePathDots(reqPath)
	full := filepath.Join(s.root, filepath.FromSlash(reqPath))

	info, err := os.Stat(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.respondError(resp, http.StatusNotFound, closeAfter)
		return !closeAfter
	case errors.Is(err, fs.ErrPermission):
		s.respondError(resp, http.StatusForbidden, closeAfter)
		return !closeAfter
	case err != nil:
		s.respondError(resp, http.StatusInternalServerError, closeAfter)
		return !closeAfter
	}

	if info.IsDir() {
		index := filepath.Join(full, s.config.Index)
		if ii, err := os.Stat(index); err == nil && ii.Mode().IsRegular() {
			full, info = index, ii
		} else if s.config.DirectoryListing {
			s.respondDirectory(resp, full, reqPath, hr.Method == http.MethodHead, closeAfter)
			return !closeAfter
		} else {
			s.respondError(resp, http.StatusForbidden, closeAfter)
			return !closeAfter
		}
	}

	if !info.Mode().IsRegular() {
		s.respondError(resp, http.StatusForbidden, closeAfter)
		return !closeAfter
	}
	s.respondFile(resp, full, info, hr.Method == http.MethodHead, closeAfter)
	return !closeAfter
}

// discardBody consumes a request body through the blocking read path.
func discardBody(req *pipeline.Request, n int64) error {
	buf := make([]byte, min(n, 64<<10))
	for n > 0 {
		chunk := buf[:min(n, int64(len(buf)))]
		if _, err := req.ReadData(chunk); err != nil {
			return err
		}
		n -= int64(len(chunk))
	}
	return nil
}

func (s *Static) respondFile(resp *pipeline.Response, full string, info os.FileInfo, headOnly, closeAfter bool) {
	f, err := os.Open(full)
	if err != nil {
		s.respondError(resp, http.StatusForbidden, closeAfter)
		return
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(io.NewSectionReader(f, 0, info.Size())); err == nil {
		contentType = mt.String()
	}

	s.writeHead(resp, http.StatusOK, contentType, info.Size(), closeAfter, info.ModTime())
	if headOnly || info.Size() == 0 {
		_ = f.Close()
	} else if err := resp.WriteFile(f, 0, info.Size()); err != nil {
		logger.Warn("Static: queue %s: %v", full, err)
		closeAfter = true
	}
	if closeAfter {
		resp.Close()
	}
}

func (s *Static) respondDirectory(resp *pipeline.Response, dir, reqPath string, headOnly, closeAfter bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.respondError(resp, http.StatusForbidden, closeAfter)
		return
	}

	base := reqPath
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	var b strings.Builder
	title := html.EscapeString(reqPath)
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><title>Index of %s</title></head><body>\n<h1>Index of %s</h1>\n<ul>\n", title, title)
	if reqPath != "/" {
		fmt.Fprintf(&b, "<li><a href=\"%s\">..</a></li>\n", html.EscapeString(path.Dir(strings.TrimSuffix(base, "/"))))
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		href := base + (&url.URL{Path: name}).EscapedPath()
		fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", html.EscapeString(href), html.EscapeString(name))
	}
	b.WriteString("</ul>\n</body></html>\n")

	s.writeHead(resp, http.StatusOK, "text/html; charset=utf-8", int64(b.Len()), closeAfter, time.Time{})
	if !headOnly {
		_, _ = resp.WriteString(b.String())
	}
	if closeAfter {
		resp.Close()
	}
}

func (s *Static) respondError(resp *pipeline.Response, status int, closeAfter bool) {
	body := fmt.Sprintf("%d %s\n", status, http.StatusText(status))
	s.writeHead(resp, status, "text/plain; charset=utf-8", int64(len(body)), closeAfter, time.Time{})
	_, _ = resp.WriteString(body)
	if closeAfter {
		resp.Close()
	}
}

func (s *Static) writeHead(resp *pipeline.Response, status int, contentType string, length int64, closeAfter bool, modTime time.Time) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "Server: %s\r\n", s.config.ServerName)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	b.WriteString("Content-Length: " + strconv.FormatInt(length, 10) + "\r\n")
	if !modTime.IsZero() {
		fmt.Fprintf(&b, "Last-Modified: %s\r\n", modTime.UTC().Format(http.TimeFormat))
	}
	if closeAfter {
		b.WriteString("Connection: close\r\n")
	} else {
		b.WriteString("Connection: keep-alive\r\n")
	}
	b.WriteString("\r\n")
	_, _ = resp.WriteString(b.String())
}

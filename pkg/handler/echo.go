// Package handler provides the reference handlers served by pipeserv.
//
// Handlers only see the pipeline's Request/Response pair; they never touch
// sockets directly.
package handler

import (
	"bytes"

	"github.com/marmos91/pipeserv/pkg/pipeline"
)

// EchoConfig configures the echo handler.
type EchoConfig struct {
	// Quit is a line that makes the server reply "bye" and close the
	// connection. Empty disables it.
	Quit string `mapstructure:"quit" json:"quit,omitempty"`
}

// Echo writes back every byte it receives.
type Echo struct {
	quit []byte
}

// NewEcho returns an echo handler.
func NewEcho(config EchoConfig) *Echo {
	e := &Echo{}
	if config.Quit != "" {
		e.quit = []byte(config.Quit)
	}
	return e
}

// Handle echoes the buffered input. With a quit line configured, input is
// echoed line by line and the partial trailing line is held back until it
// is complete.
func (e *Echo) Handle(req *pipeline.Request, resp *pipeline.Response) {
	if e.quit == nil {
		data := req.Buffered()
		if _, err := resp.WriteData(data); err != nil {
			resp.Close()
			return
		}
		req.Discard(len(data))
		return
	}

	for {
		buf := req.Buffered()
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return
		}
		line := buf[:i+1]
		if bytes.Equal(bytes.TrimRight(line, "\r\n"), e.quit) {
			req.Discard(i + 1)
			_, _ = resp.WriteString("bye\r\n")
			resp.Close()
			return
		}
		if _, err := resp.WriteData(line); err != nil {
			resp.Close()
			return
		}
		req.Discard(i + 1)
	}
}

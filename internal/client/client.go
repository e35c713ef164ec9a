// Package client drives a render job against a list of servers: one worker
// per listed server, all pulling frames from a shared job until the range is
// rendered and collected.
package client

import (
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/inconshreveable/log15"
	"golang.org/x/net/proxy"

	"github.com/frederik-holfeld/brgo/internal/config"
	"github.com/frederik-holfeld/brgo/internal/wire"
)

// Client fans one command out to every listed server.
type Client struct {
	servers []config.Endpoint
	dialer  proxy.Dialer
	log.Logger
}

// New returns a Client for the given servers. dialer may be nil for direct
// TCP; pass a proxy.Dialer to tunnel through SOCKS.
func New(servers []config.Endpoint, dialer proxy.Dialer, logger log.Logger) *Client {
	if dialer == nil {
		dialer = proxy.Direct
	}
	if logger == nil {
		logger = log.New()
		logger.SetHandler(log.DiscardHandler())
	}
	return &Client{servers: servers, dialer: dialer, Logger: logger}
}

func (c *Client) worker(ep config.Endpoint) *worker {
	return &worker{
		ep:     ep,
		dialer: c.dialer,
		Logger: c.New("server", ep.Addr()),
	}
}

// Upload sends the scene file at path to every listed server under the given
// session name. A server that rejects the upload only loses its own copy;
// the others proceed.
func (c *Client) Upload(session, path string) error {
	if !wire.ValidSession(session) {
		return trace.BadParameter("the session name %q is not alphanumeric", session)
	}
	scene, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	var wg sync.WaitGroup
	for _, ep := range c.servers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.upload(session, scene)
		}(c.worker(ep))
	}
	wg.Wait()
	return nil
}

// Delete removes the session's scene file from every listed server.
func (c *Client) Delete(session string) error {
	if !wire.ValidSession(session) {
		return trace.BadParameter("the session name %q is not alphanumeric", session)
	}
	var wg sync.WaitGroup
	for _, ep := range c.servers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.delete(session)
		}(c.worker(ep))
	}
	wg.Wait()
	return nil
}

// RenderStats summarizes a completed render.
type RenderStats struct {
	Frames   int
	Elapsed  time.Duration
	PerFrame time.Duration
}

// Render renders frames start through end of session across the listed
// servers and writes the collected images into outputDir. When start exceeds
// end the bounds are swapped. Blocks until every per-server worker has
// finished, and returns an error when fewer frames arrived than requested.
func (c *Client) Render(session, outputDir string, start, end int, format string) (*RenderStats, error) {
	if !wire.ValidSession(session) {
		return nil, trace.BadParameter("the session name %q is not alphanumeric", session)
	}
	if start > end {
		start, end = end, start
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	frames := make([]int, 0, end-start+1)
	for f := start; f <= end; f++ {
		frames = append(frames, f)
	}
	j := newJob(frames)

	// No point connecting more servers than there are frames.
	servers := c.servers
	if len(servers) > len(frames) {
		servers = servers[:len(frames)]
	}

	began := time.Now()
	var wg sync.WaitGroup
	for _, ep := range servers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.render(j, session, outputDir, format)
		}(c.worker(ep))
	}
	wg.Wait()

	rendered, finished := j.result()
	if rendered != len(frames) {
		return nil, trace.Errorf("rendered %d of %d frame(s)", rendered, len(frames))
	}
	elapsed := finished.Sub(began)
	return &RenderStats{
		Frames:   len(frames),
		Elapsed:  elapsed,
		PerFrame: elapsed / time.Duration(len(frames)),
	}, nil
}

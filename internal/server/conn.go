package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/inconshreveable/log15"

	"github.com/frederik-holfeld/brgo/internal/config"
	"github.com/frederik-holfeld/brgo/internal/render"
	"github.com/frederik-holfeld/brgo/internal/wire"
)

// serverConn is the per-client-connection state. The router goroutine owns
// every field except sendMu-guarded writes to nc, the pending queue and the
// child links' write sides, which dispatchers and forwarders share.
type serverConn struct {
	srv *Server
	nc  net.Conn

	// sendMu serializes writes to the client socket. A holder writes a full
	// header+payload region and must not block on any other socket while
	// holding it.
	sendMu sync.Mutex

	pending *frameQueue
	startup bool
	backend render.Backend

	// links are lazily dialed outbound connections to children, keyed by the
	// child's index in the server registry. Only the router goroutine touches
	// the map.
	links map[int]*childLink

	log.Logger
}

func (s *Server) handleConn(nc net.Conn) {
	c := &serverConn{
		srv:     s,
		nc:      nc,
		pending: newFrameQueue(),
		startup: true,
		links:   make(map[int]*childLink),
		Logger:  s.New("client", nc.RemoteAddr().String()),
	}
	defer c.teardown()
	c.Info("new connection, handling requests")

	for {
		header, err := wire.ReadHeader(nc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Info("client closed connection")
			} else {
				c.Warn("connection broken, exiting", "err", err)
			}
			return
		}
		h, err := wire.Peek(header)
		if err != nil {
			c.Warn("malformed request header, breaking connection", "err", err)
			return
		}

		switch h.Type {
		case wire.TypeServe:
			var msg wire.Serve
			if err := json.Unmarshal(header, &msg); err != nil {
				c.Warn("malformed SERVE, breaking connection", "err", err)
				return
			}
			host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
			if err != nil {
				c.Warn("could not determine child address", "err", err)
				return
			}
			s.addChild(config.Endpoint{Host: host, Port: msg.Port})
		case wire.TypeUpload:
			if !c.handleUpload(header) {
				return
			}
		case wire.TypeRender:
			if !c.handleRender(header) {
				return
			}
		case wire.TypeDelete:
			if !c.handleDelete(header) {
				return
			}
		default:
			c.Warn("unknown request type, breaking connection", "type", h.Type)
			return
		}
	}
}

// validSession enforces the alphanumeric session rule before any file I/O.
// A violation terminates the connection without a reply.
func (c *serverConn) validSession(session string) bool {
	if wire.ValidSession(session) {
		return true
	}
	c.Warn("invalid session name, breaking connection to client", "session", session)
	return false
}

func (c *serverConn) handleUpload(header []byte) bool {
	var msg wire.Upload
	if err := json.Unmarshal(header, &msg); err != nil {
		c.Warn("malformed UPLOAD, breaking connection", "err", err)
		return false
	}
	if !c.validSession(msg.Session) {
		return false
	}

	c.Info("receiving new file for session", "session", msg.Session, "size", msg.Size)
	scene, err := wire.ReadPayload(c.nc, msg.Size)
	if err != nil {
		c.Warn("connection broken during upload, exiting", "err", err)
		return false
	}

	path := c.srv.scenePath(msg.Session)
	writeErr := os.WriteFile(path, scene, 0o644)
	if writeErr != nil {
		c.Error("could not save scene file", "path", path, "err", writeErr)
	} else {
		c.Info("saved scene file", "path", path)
	}

	// Children receive the identical header and bytes, concurrently with our
	// reply to the client.
	for i := 0; i < c.srv.childCount(); i++ {
		link, err := c.link(i)
		if err != nil {
			c.Warn("skipping child for upload", "err", err)
			continue
		}
		go link.relay(header, scene)
	}

	if writeErr != nil {
		return c.send(wire.NewFail(writeErr.Error())) == nil
	}
	return c.send(wire.NewOkay()) == nil
}

func (c *serverConn) handleRender(header []byte) bool {
	var msg wire.Render
	if err := json.Unmarshal(header, &msg); err != nil {
		c.Warn("malformed RENDER, breaking connection", "err", err)
		return false
	}
	if !c.validSession(msg.Session) {
		return false
	}

	if c.startup {
		c.startup = false
		backend, err := c.srv.newBackend(msg.Session)
		if err != nil {
			c.Error("could not start render worker, breaking connection", "err", err)
			return false
		}
		c.backend = backend
		go c.runLocalWorker()

		// The registry is snapshotted here; children registering later serve
		// only subsequent client connections.
		childCount := c.srv.childCount()
		if childCount > 0 {
			if err := c.send(wire.NewRequest(childCount)); err != nil {
				return false
			}
			for i := 0; i < childCount; i++ {
				link, err := c.link(i)
				if err != nil {
					c.Warn("skipping child for render", "err", err)
					continue
				}
				go c.runChildDispatcher(link)
				go c.runChildForwarder(link)
			}
		}
	}

	for _, frame := range msg.Frames {
		c.pending.Push(frameReq{session: msg.Session, frame: frame, format: msg.RenderFormat})
	}
	return true
}

func (c *serverConn) handleDelete(header []byte) bool {
	var msg wire.Delete
	if err := json.Unmarshal(header, &msg); err != nil {
		c.Warn("malformed DELETE, breaking connection", "err", err)
		return false
	}
	if !c.validSession(msg.Session) {
		return false
	}

	path := c.srv.scenePath(msg.Session)
	removeErr := os.Remove(path)

	for i := 0; i < c.srv.childCount(); i++ {
		link, err := c.link(i)
		if err != nil {
			c.Warn("skipping child for delete", "err", err)
			continue
		}
		go link.relay(header, nil)
	}

	switch {
	case removeErr == nil:
		c.Info("scene file deleted", "path", path)
		return c.send(wire.NewOkay()) == nil
	case os.IsNotExist(removeErr):
		c.Info("could not remove nonexistent scene file", "path", path)
		return c.send(wire.NewFail("File does not exist on server.")) == nil
	default:
		c.Error("could not remove scene file", "path", path, "err", removeErr)
		return c.send(wire.NewFail(removeErr.Error())) == nil
	}
}

// runLocalWorker pulls pending frames and renders them through the backend.
// After each frame it requests one replacement frame upstream, then ships
// the image from a transient goroutine so the next render starts while the
// upload is still in flight.
func (c *serverConn) runLocalWorker() {
	for {
		req, ok := c.pending.Pop()
		if !ok {
			return
		}
		data, ext, err := c.backend.Render(req.session, req.frame, req.format)
		if err != nil {
			if render.IsOutputMissing(err) {
				c.Crit(err.Error(), "frame", req.frame)
				c.srv.exit(1)
				return
			}
			c.Error("local render failed, breaking connection", "frame", req.frame, "err", err)
			c.nc.Close()
			return
		}
		if err := c.send(wire.NewRequest(1)); err != nil {
			return
		}
		go func(req frameReq, data []byte, ext string) {
			if err := c.sendFrame(req.frame, data, ext); err != nil {
				c.Warn("could not send frame to client", "frame", req.frame, "err", err)
			}
		}(req, data, ext)
	}
}

// runChildDispatcher feeds one child: take a credit, pull a frame, send it.
func (c *serverConn) runChildDispatcher(link *childLink) {
	for {
		if !link.credits.Take() {
			return
		}
		req, ok := c.pending.Pop()
		if !ok {
			return
		}
		msg := wire.NewRender(req.session, []int{req.frame}, req.format)
		if err := link.write(msg); err != nil {
			c.Warn("could not dispatch frame to child", "child", link.ep, "frame", req.frame, "err", err)
			return
		}
	}
}

// runChildForwarder carries the child's replies upstream. FRAME and REQUEST
// headers are relayed verbatim; REQUESTs additionally credit the paired
// dispatcher. Terminal OKAY/FAIL replies to forwarded UPLOADs and DELETEs
// are discarded, the client already received this server's own reply.
func (c *serverConn) runChildForwarder(link *childLink) {
	defer link.credits.Close()
	for {
		header, err := wire.ReadHeader(link.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.Warn("child connection broken", "child", link.ep, "err", err)
			}
			return
		}
		h, err := wire.Peek(header)
		if err != nil {
			c.Warn("malformed child response", "child", link.ep, "err", err)
			return
		}

		switch {
		case h.Type == wire.TypeFrame:
			var msg wire.Frame
			if err := json.Unmarshal(header, &msg); err != nil {
				c.Warn("malformed FRAME from child", "child", link.ep, "err", err)
				return
			}
			payload, err := wire.ReadPayload(link.conn, msg.FrameSize)
			if err != nil {
				c.Warn("child connection broken", "child", link.ep, "err", err)
				return
			}
			if err := c.relay(header, payload); err != nil {
				return
			}
		case h.Type == wire.TypeRequest:
			var msg wire.Request
			if err := json.Unmarshal(header, &msg); err != nil {
				c.Warn("malformed REQUEST from child", "child", link.ep, "err", err)
				return
			}
			if err := c.relay(header, nil); err != nil {
				return
			}
			link.credits.Add(msg.FrameCount)
		case h.Status != "":
			c.Debug("discarding child reply", "child", link.ep, "status", h.Status)
		default:
			c.Warn("unknown child response, dropping link", "child", link.ep)
			return
		}
	}
}

// send writes one message to the client under the send lock.
func (c *serverConn) send(msg any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return wire.WriteMessage(c.nc, msg)
}

// sendFrame writes a FRAME header and its image payload as one locked region.
func (c *serverConn) sendFrame(frame int, data []byte, ext string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := wire.WriteMessage(c.nc, wire.NewFrame(int64(len(data)), frame, ext)); err != nil {
		return trace.Wrap(err)
	}
	_, err := c.nc.Write(data)
	return trace.Wrap(err)
}

// relay forwards raw header bytes (and an optional payload) to the client
// under the send lock.
func (c *serverConn) relay(header, payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := wire.WriteRaw(c.nc, header); err != nil {
		return trace.Wrap(err)
	}
	if len(payload) > 0 {
		if _, err := c.nc.Write(payload); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// link returns the outbound connection to child i, dialing it on first use.
// Each client connection gets its own socket per child so the child keeps
// this client's work on a dedicated session.
func (c *serverConn) link(i int) (*childLink, error) {
	if l, ok := c.links[i]; ok {
		return l, nil
	}
	ep := c.srv.childAt(i)
	conn, err := net.Dial("tcp", ep.Addr())
	if err != nil {
		return nil, trace.ConnectionProblem(err, "could not connect to child %v", ep)
	}
	l := &childLink{
		ep:      ep,
		conn:    conn,
		credits: newCreditWindow(1),
		Logger:  c.New("child", ep.Addr()),
	}
	c.links[i] = l
	return l, nil
}

func (c *serverConn) teardown() {
	c.pending.Close()
	for _, link := range c.links {
		link.credits.Close()
		link.conn.Close()
	}
	if c.backend != nil {
		c.backend.Close()
	}
	c.nc.Close()
}

// childLink is one client connection's outbound socket to one child, shared
// by the upload fan-out, the dispatcher and the forwarder. wmu serializes
// writes; reads belong to the forwarder alone.
type childLink struct {
	ep      config.Endpoint
	wmu     sync.Mutex
	conn    net.Conn
	credits *creditWindow
	log.Logger
}

func (l *childLink) write(msg any) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return wire.WriteMessage(l.conn, msg)
}

// relay forwards a raw header and optional payload verbatim to the child.
func (l *childLink) relay(header, payload []byte) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := wire.WriteRaw(l.conn, header); err != nil {
		l.Warn("could not forward to child", "err", err)
		return
	}
	if len(payload) > 0 {
		if _, err := l.conn.Write(payload); err != nil {
			l.Warn("could not forward payload to child", "err", err)
		}
	}
}

// Package server implements the render farm's server role: it accepts client
// connections, persists uploaded scenes, renders frames through a local
// worker process and fans surplus work out to registered child servers.
package server

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/inconshreveable/log15"

	"github.com/frederik-holfeld/brgo/internal/config"
	"github.com/frederik-holfeld/brgo/internal/render"
	"github.com/frederik-holfeld/brgo/internal/wire"
)

// BackendFactory produces the render backend for one client session.
type BackendFactory func(session string) (render.Backend, error)

// Config carries everything a Server needs before it starts listening.
type Config struct {
	// WorkDir holds <session>.blend files and the render output. Created if
	// absent.
	WorkDir string
	// Renderer is the path to the external render binary. Ignored when
	// NewBackend is set.
	Renderer string
	// RendererOptions are extra arguments appended to the renderer's command
	// line.
	RendererOptions []string
	// Port is the listen port; also the base for the worker callback port
	// search.
	Port int
	// Parents are servers to register at on startup.
	Parents []config.Endpoint
	// Children are statically configured child servers. More may register
	// dynamically via SERVE.
	Children []config.Endpoint
	// NewBackend overrides the render-process backend, for tests.
	NewBackend BackendFactory
	Logger     log.Logger
}

// Server accepts client connections and routes their requests. One Server
// may serve many clients at once; per-connection state never crosses
// connections.
type Server struct {
	workDir    string
	port       int
	parents    []config.Endpoint
	newBackend BackendFactory
	exit       func(int)

	mu       sync.RWMutex
	children []config.Endpoint

	log.Logger
}

// New validates the configuration and returns a Server ready to listen.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New()
		logger.SetHandler(log.DiscardHandler())
	}

	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch info, err := os.Stat(workDir); {
	case os.IsNotExist(err):
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		logger.Info("created working directory", "dir", workDir)
	case err != nil:
		return nil, trace.ConvertSystemError(err)
	case !info.IsDir():
		return nil, trace.BadParameter("%q is not a directory", workDir)
	}

	s := &Server{
		workDir:    workDir,
		port:       cfg.Port,
		parents:    cfg.Parents,
		newBackend: cfg.NewBackend,
		exit:       os.Exit,
		children:   append([]config.Endpoint(nil), cfg.Children...),
		Logger:     logger,
	}

	if s.newBackend == nil {
		renderer, err := verifyRenderer(cfg.Renderer)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		pcfg := render.ProcessConfig{
			WorkDir:  workDir,
			Renderer: renderer,
			Options:  cfg.RendererOptions,
			BasePort: cfg.Port,
			Logger:   logger,
		}
		s.newBackend = func(session string) (render.Backend, error) {
			return render.StartProcess(pcfg, session)
		}
	}
	return s, nil
}

func verifyRenderer(path string) (string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", trace.NotFound("%q does not exist", path)
	}
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	if !info.Mode().IsRegular() {
		return "", trace.BadParameter("%q is not a file", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", trace.BadParameter("no permission to execute %q", path)
	}
	return filepath.Abs(path)
}

// ListenAndServe binds the configured port and serves until the listener
// fails.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", config.Endpoint{Port: s.port}.Addr())
	if err != nil {
		return trace.Wrap(err, "could not bind to port %d", s.port)
	}
	return s.Serve(listener)
}

// Serve accepts connections from listener. Before accepting it announces
// itself to every configured parent with a one-shot SERVE registration.
func (s *Server) Serve(listener net.Listener) error {
	port := listener.Addr().(*net.TCPAddr).Port
	s.port = port
	s.registerAtParents(port)

	s.Info("listening for incoming requests", "port", port)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return trace.Wrap(err)
		}
		go s.handleConn(conn)
	}
}

// registerAtParents opens one connection per parent, sends SERVE with our
// listen port and closes. A parent that is down simply never learns about
// us; there is no retry.
func (s *Server) registerAtParents(port int) {
	for _, parent := range s.parents {
		conn, err := net.Dial("tcp", parent.Addr())
		if err != nil {
			s.Warn("could not register at parent", "parent", parent, "err", err)
			continue
		}
		if err := wire.WriteMessage(conn, wire.NewServe(port)); err != nil {
			s.Warn("could not register at parent", "parent", parent, "err", err)
		} else {
			s.Info("registered at parent", "parent", parent)
		}
		conn.Close()
	}
}

// addChild appends a child record. Duplicates are kept deliberately: the
// same physical node may act as several workers.
func (s *Server) addChild(ep config.Endpoint) {
	s.mu.Lock()
	s.children = append(s.children, ep)
	s.mu.Unlock()
	s.Info("registered child", "child", ep)
}

func (s *Server) childCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.children)
}

func (s *Server) childAt(i int) config.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.children[i]
}

func (s *Server) scenePath(session string) string {
	return filepath.Join(s.workDir, session+".blend")
}

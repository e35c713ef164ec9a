package render

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/inconshreveable/log15"

	"github.com/frederik-holfeld/brgo/internal/wire"
)

// ProcessBackend drives an external render binary over the local
// sub-protocol. The process is started once, opens the session's scene file,
// and then services one LocalRender request per frame over a localhost TCP
// connection it dials back to us.
type ProcessBackend struct {
	mu      sync.Mutex // serializes request/response exchanges
	conn    net.Conn
	cmd     *exec.Cmd
	workDir string
	log.Logger
}

// ProcessConfig describes how to launch the render binary.
type ProcessConfig struct {
	WorkDir  string   // directory holding <session>.blend, also the process cwd
	Renderer string   // absolute path to the render binary
	Options  []string // extra arguments appended to the command line
	BasePort int      // the server's own listen port; the worker port search starts above it
	Logger   log.Logger
}

// StartProcess binds a callback port, launches the render binary for the
// given session and waits for it to dial back. The callback port starts at
// BasePort+1 and increments modulo 65536 until a bind succeeds.
func StartProcess(cfg ProcessConfig, session string) (*ProcessBackend, error) {
	listener, port, err := bindWorkerPort(cfg.BasePort)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer listener.Close()

	args := []string{strconv.Itoa(port), session}
	args = append(args, cfg.Options...)
	cmd := exec.Command(cfg.Renderer, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, trace.Wrap(err, "could not start renderer %q", cfg.Renderer)
	}

	cfg.Logger.Info("waiting for render worker to connect", "port", port, "session", session)
	conn, err := listener.Accept()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, trace.Wrap(err)
	}

	return &ProcessBackend{
		conn:    conn,
		cmd:     cmd,
		workDir: cfg.WorkDir,
		Logger:  cfg.Logger.New("worker", port),
	}, nil
}

func bindWorkerPort(basePort int) (net.Listener, int, error) {
	port := (basePort + 1) % 65536
	for tries := 0; tries < 65536; tries++ {
		listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			return listener, port, nil
		}
		port = (port + 1) % 65536
	}
	return nil, 0, trace.LimitExceeded("no free worker port")
}

// Render sends one LocalRender request and waits for the worker's reply,
// then collects the image file the worker wrote into the work directory.
// The file is deleted after a successful read.
func (b *ProcessBackend) Render(session string, frame int, format string) ([]byte, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req := wire.LocalRender{Session: session, Frame: frame, RenderFormat: format}
	if err := wire.WriteMessage(b.conn, req); err != nil {
		return nil, "", trace.Wrap(err)
	}

	header, err := wire.ReadHeader(b.conn)
	if err != nil {
		return nil, "", trace.Wrap(err, "render worker connection broken")
	}
	var resp wire.LocalResponse
	if err := unmarshal(header, &resp); err != nil {
		return nil, "", trace.Wrap(err)
	}

	path := filepath.Join(b.workDir, resp.ImageName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", trace.Wrap(errOutputMissing{image: resp.ImageName})
		}
		return nil, "", trace.ConvertSystemError(err)
	}
	if err := os.Remove(path); err != nil {
		b.Warn("could not remove rendered frame", "path", path, "err", err)
	}

	ext := strings.TrimPrefix(filepath.Ext(resp.ImageName), ".")
	return data, ext, nil
}

func unmarshal(header []byte, v any) error {
	if err := json.Unmarshal(header, v); err != nil {
		return trace.BadParameter("malformed worker response: %v", err)
	}
	return nil
}

// Close tears down the worker connection and kills the render process.
func (b *ProcessBackend) Close() error {
	err := b.conn.Close()
	if b.cmd != nil && b.cmd.Process != nil {
		if kerr := b.cmd.Process.Kill(); kerr == nil {
			_ = b.cmd.Wait()
		}
	}
	return trace.Wrap(err)
}

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
	"golang.org/x/net/proxy"

	"github.com/frederik-holfeld/brgo/internal/config"
	"github.com/frederik-holfeld/brgo/internal/wire"
)

// worker owns one connection to one server for the duration of a command.
type worker struct {
	ep     config.Endpoint
	dialer proxy.Dialer
	log.Logger
}

// connect dials the server. A resolution failure abandons the server
// outright; any other error is retried every 10 seconds — unless j is
// non-nil and its pending list has drained, in which case there is nothing
// left for this server to do. Returns nil when the server was abandoned.
func (w *worker) connect(j *job) net.Conn {
	boff := &backoff.Backoff{Min: 10 * time.Second, Max: 10 * time.Second}
	for {
		conn, err := w.dialer.Dial("tcp", w.ep.Addr())
		if err == nil {
			return conn
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			w.Warn("server is unknown, cancelling request", "err", err)
			return nil
		}
		if j != nil && j.empty() {
			w.Info("could not connect, but all frames have already been handled, cancelling request")
			return nil
		}
		w.Info("could not connect, retrying in 10 seconds", "err", err)
		time.Sleep(boff.Duration())
	}
}

// readReply reads one terminal OKAY/FAIL reply. Returns the failure reason
// and whether the reply was OKAY.
func (w *worker) readReply(conn net.Conn) (string, bool, error) {
	header, err := wire.ReadHeader(conn)
	if err != nil {
		return "", false, err
	}
	h, err := wire.Peek(header)
	if err != nil {
		return "", false, err
	}
	switch h.Status {
	case wire.StatusOkay:
		return "", true, nil
	case wire.StatusFail:
		var msg wire.Fail
		if err := json.Unmarshal(header, &msg); err != nil {
			return "", false, err
		}
		return msg.Error, false, nil
	}
	return "", false, fmt.Errorf("unexpected reply %q", string(header))
}

func (w *worker) upload(session string, scene []byte) {
	conn := w.connect(nil)
	if conn == nil {
		return
	}
	defer conn.Close()

	w.Info("connected, uploading scene file")
	start := time.Now()
	if err := wire.WriteMessage(conn, wire.NewUpload(session, int64(len(scene)))); err != nil {
		w.Warn("connection broken, exiting", "err", err)
		return
	}
	if _, err := conn.Write(scene); err != nil {
		w.Warn("connection broken, exiting", "err", err)
		return
	}

	reason, ok, err := w.readReply(conn)
	if err != nil {
		w.Warn("connection broken, exiting", "err", err)
		return
	}
	if !ok {
		w.Error("scene file could not be uploaded, stopping request", "reason", reason)
		return
	}
	elapsed := time.Since(start)
	mb := float64(len(scene)) / 1e6
	w.Info("file uploaded successfully",
		"mb", fmt.Sprintf("%.1f", mb),
		"seconds", fmt.Sprintf("%.3f", elapsed.Seconds()),
		"mb_per_s", fmt.Sprintf("%.3f", mb/elapsed.Seconds()))
}

func (w *worker) delete(session string) {
	conn := w.connect(nil)
	if conn == nil {
		return
	}
	defer conn.Close()

	w.Info("requesting deletion of scene file")
	if err := wire.WriteMessage(conn, wire.NewDelete(session)); err != nil {
		w.Warn("connection broken, exiting", "err", err)
		return
	}
	reason, ok, err := w.readReply(conn)
	if err != nil {
		w.Warn("connection broken, exiting", "err", err)
		return
	}
	if ok {
		w.Info("successfully deleted scene file from server")
	} else {
		w.Warn("failed to delete scene file from server", "reason", reason)
	}
}

// render runs the pull loop against one server: seed it with one frame, then
// answer its REQUESTs with fresh frames and collect FRAMEs until nothing is
// awaited and the shared list has drained.
func (w *worker) render(j *job, session, outputDir, format string) {
	conn := w.connect(j)
	if conn == nil {
		return
	}
	defer conn.Close()

	frame, ok := j.pop()
	if !ok {
		return
	}

	// Frames in flight to this server, keyed to their request-send time.
	// Touched only by this goroutine; the async sends below deliberately
	// happen after the entry exists, or a fast FRAME could find the set
	// empty and end the loop early.
	awaited := map[int]time.Time{frame: time.Now()}
	var sendMu sync.Mutex

	w.Info("sending request to render frame", "frame", frame)
	if err := wire.WriteMessage(conn, wire.NewRender(session, []int{frame}, format)); err != nil {
		w.Warn("connection broken, exiting", "err", err)
		return
	}

	collected := 0
	for len(awaited) > 0 || !j.empty() {
		header, err := wire.ReadHeader(conn)
		if err != nil {
			w.Warn("connection broken, exiting", "err", err)
			return
		}
		h, err := wire.Peek(header)
		if err != nil {
			w.Warn("malformed response, exiting", "err", err)
			return
		}

		switch h.Type {
		case wire.TypeRequest:
			next, ok := j.pop()
			if !ok {
				// Nothing left to hand out; the request goes unanswered and
				// the idle worker below stays parked until the job ends.
				continue
			}
			awaited[next] = time.Now()
			go func(frame int) {
				sendMu.Lock()
				defer sendMu.Unlock()
				if err := wire.WriteMessage(conn, wire.NewRender(session, []int{frame}, format)); err != nil {
					w.Warn("could not send render request", "frame", frame, "err", err)
				}
			}(next)
		case wire.TypeFrame:
			var msg wire.Frame
			if err := json.Unmarshal(header, &msg); err != nil {
				w.Warn("malformed FRAME, exiting", "err", err)
				return
			}
			image, err := wire.ReadPayload(conn, msg.FrameSize)
			if err != nil {
				w.Warn("connection broken, exiting", "err", err)
				return
			}
			path := filepath.Join(outputDir, frameFileName(msg.FrameNumber, msg.FileExtension))
			if err := os.WriteFile(path, image, 0o644); err != nil {
				w.Error("could not save frame", "path", path, "err", err)
			}
			sent := awaited[msg.FrameNumber]
			delete(awaited, msg.FrameNumber)
			w.Info("received frame",
				"frame", msg.FrameNumber,
				"seconds", fmt.Sprintf("%.3f", time.Since(sent).Seconds()))
			j.frameDone()
			collected++
		default:
			w.Warn("unexpected response, exiting", "header", string(header))
			return
		}
	}

	total := j.total
	w.Info("worker done",
		"frames", collected,
		"share", fmt.Sprintf("%.2f%%", 100*float64(collected)/float64(total)))
}

// frameFileName renders a frame number as a zero-padded name, appending the
// reported extension only when it is alphanumeric.
func frameFileName(frame int, ext string) string {
	name := fmt.Sprintf("%04d", frame)
	if ext != "" && alnum(ext) {
		name += "." + ext
	}
	return name
}

func alnum(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

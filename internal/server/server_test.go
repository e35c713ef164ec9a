package server

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/stretchr/testify/require"

	"github.com/frederik-holfeld/brgo/internal/config"
	"github.com/frederik-holfeld/brgo/internal/render"
	"github.com/frederik-holfeld/brgo/internal/wire"
)

func discardLogger() log.Logger {
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	return logger
}

// newTestServer starts a Server with a mock render backend on an ephemeral
// localhost port.
func newTestServer(t *testing.T, mock *render.Mock, children []config.Endpoint) (*Server, config.Endpoint) {
	t.Helper()
	s, err := New(Config{
		WorkDir:  t.TempDir(),
		Children: children,
		Logger:   discardLogger(),
		NewBackend: func(session string) (render.Backend, error) {
			return mock, nil
		},
	})
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })
	go func() { _ = s.Serve(listener) }()

	port := listener.Addr().(*net.TCPAddr).Port
	return s, config.Endpoint{Host: "127.0.0.1", Port: port}
}

func dialServer(t *testing.T, ep config.Endpoint) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ep.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func upload(t *testing.T, conn net.Conn, session string, scene []byte) {
	t.Helper()
	require.NoError(t, wire.WriteMessage(conn, wire.NewUpload(session, int64(len(scene)))))
	_, err := conn.Write(scene)
	require.NoError(t, err)

	header, err := wire.ReadHeader(conn)
	require.NoError(t, err)
	h, err := wire.Peek(header)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOkay, h.Status)
}

func TestSessionNameValidation(t *testing.T) {
	s, ep := newTestServer(t, &render.Mock{}, nil)

	for _, session := range []string{"", "../x", "a/b", "a b", "x.blend"} {
		conn := dialServer(t, ep)
		require.NoError(t, wire.WriteMessage(conn, wire.NewUpload(session, 4)))

		// The server must close the connection without replying and without
		// touching the filesystem.
		_, err := wire.ReadHeader(conn)
		require.Error(t, err, "session %q", session)

		entries, err := os.ReadDir(s.workDir)
		require.NoError(t, err)
		require.Empty(t, entries, "session %q", session)
	}
}

func TestUploadDeleteLifecycle(t *testing.T) {
	s, ep := newTestServer(t, &render.Mock{}, nil)
	conn := dialServer(t, ep)

	scene := []byte("not really a blend file")
	upload(t, conn, "scene1", scene)

	saved, err := os.ReadFile(filepath.Join(s.workDir, "scene1.blend"))
	require.NoError(t, err)
	require.Equal(t, scene, saved)

	// DELETE removes the file.
	require.NoError(t, wire.WriteMessage(conn, wire.NewDelete("scene1")))
	header, err := wire.ReadHeader(conn)
	require.NoError(t, err)
	h, err := wire.Peek(header)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOkay, h.Status)
	_, err = os.Stat(filepath.Join(s.workDir, "scene1.blend"))
	require.True(t, os.IsNotExist(err))

	// A second DELETE fails with the canonical reason.
	require.NoError(t, wire.WriteMessage(conn, wire.NewDelete("scene1")))
	header, err = wire.ReadHeader(conn)
	require.NoError(t, err)
	var fail wire.Fail
	require.NoError(t, json.Unmarshal(header, &fail))
	require.Equal(t, wire.StatusFail, fail.Status)
	require.Equal(t, "File does not exist on server.", fail.Error)
}

func TestServeRegistration(t *testing.T) {
	s, ep := newTestServer(t, &render.Mock{}, nil)

	conn := dialServer(t, ep)
	require.NoError(t, wire.WriteMessage(conn, wire.NewServe(4242)))
	conn.Close()

	require.Eventually(t, func() bool { return s.childCount() == 1 }, time.Second, time.Millisecond)
	require.Equal(t, config.Endpoint{Host: "127.0.0.1", Port: 4242}, s.childAt(0))

	// Duplicate registrations create duplicate records: the same node may
	// act as several workers.
	conn = dialServer(t, ep)
	require.NoError(t, wire.WriteMessage(conn, wire.NewServe(4242)))
	conn.Close()
	require.Eventually(t, func() bool { return s.childCount() == 2 }, time.Second, time.Millisecond)
}

func TestRenderSingleFrame(t *testing.T) {
	mock := &render.Mock{}
	_, ep := newTestServer(t, mock, nil)
	conn := dialServer(t, ep)

	upload(t, conn, "scene1", []byte("scene"))
	require.NoError(t, wire.WriteMessage(conn, wire.NewRender("scene1", []int{7}, "")))

	// The worker requests a replacement frame first, then ships the image.
	header, err := wire.ReadHeader(conn)
	require.NoError(t, err)
	var req wire.Request
	require.NoError(t, json.Unmarshal(header, &req))
	require.Equal(t, wire.TypeRequest, req.Type)
	require.Equal(t, 1, req.FrameCount)

	header, err = wire.ReadHeader(conn)
	require.NoError(t, err)
	var frame wire.Frame
	require.NoError(t, json.Unmarshal(header, &frame))
	require.Equal(t, wire.TypeFrame, frame.Type)
	require.Equal(t, 7, frame.FrameNumber)
	require.Equal(t, "png", frame.FileExtension)

	image, err := wire.ReadPayload(conn, frame.FrameSize)
	require.NoError(t, err)
	require.Equal(t, mock.Payload("scene1", 7), image)
}

func TestRenderRange(t *testing.T) {
	mock := &render.Mock{}
	_, ep := newTestServer(t, mock, nil)
	conn := dialServer(t, ep)

	upload(t, conn, "scene1", []byte("scene"))
	require.NoError(t, wire.WriteMessage(conn, wire.NewRender("scene1", []int{1, 2, 3, 4}, "")))

	got := make(map[int]int)
	for len(got) < 4 {
		header, err := wire.ReadHeader(conn)
		require.NoError(t, err)
		h, err := wire.Peek(header)
		require.NoError(t, err)
		switch h.Type {
		case wire.TypeRequest:
			// Idle worker; nothing more to hand out.
		case wire.TypeFrame:
			var frame wire.Frame
			require.NoError(t, json.Unmarshal(header, &frame))
			_, err := wire.ReadPayload(conn, frame.FrameSize)
			require.NoError(t, err)
			got[frame.FrameNumber]++
		default:
			t.Fatalf("unexpected message %s", header)
		}
	}
	require.Equal(t, map[int]int{1: 1, 2: 1, 3: 1, 4: 1}, got)
}

// driveRender mimics the client's pull loop: seed one frame, answer each
// REQUEST with one more pending frame, collect FRAMEs until all arrived.
func driveRender(t *testing.T, conn net.Conn, session string, frames []int) map[int][]byte {
	t.Helper()
	pending := append([]int(nil), frames...)
	awaited := 0

	pop := func() (int, bool) {
		if len(pending) == 0 {
			return 0, false
		}
		f := pending[0]
		pending = pending[1:]
		return f, true
	}

	first, ok := pop()
	require.True(t, ok)
	awaited++
	require.NoError(t, wire.WriteMessage(conn, wire.NewRender(session, []int{first}, "")))

	got := make(map[int][]byte)
	for awaited > 0 || len(pending) > 0 {
		header, err := wire.ReadHeader(conn)
		require.NoError(t, err)
		h, err := wire.Peek(header)
		require.NoError(t, err)
		switch h.Type {
		case wire.TypeRequest:
			if f, ok := pop(); ok {
				awaited++
				require.NoError(t, wire.WriteMessage(conn, wire.NewRender(session, []int{f}, "")))
			}
		case wire.TypeFrame:
			var frame wire.Frame
			require.NoError(t, json.Unmarshal(header, &frame))
			image, err := wire.ReadPayload(conn, frame.FrameSize)
			require.NoError(t, err)
			require.NotContains(t, got, frame.FrameNumber, "frame delivered twice")
			got[frame.FrameNumber] = image
			awaited--
		default:
			t.Fatalf("unexpected message %s", header)
		}
	}
	return got
}

func TestParentChildTree(t *testing.T) {
	childMock := &render.Mock{Delay: time.Millisecond}
	child, childEp := newTestServer(t, childMock, nil)

	parentMock := &render.Mock{Delay: time.Millisecond}
	_, parentEp := newTestServer(t, parentMock, []config.Endpoint{childEp})

	conn := dialServer(t, parentEp)
	scene := []byte("the scene bytes")
	upload(t, conn, "scene1", scene)

	// The upload fans out to the child with identical bytes.
	require.Eventually(t, func() bool {
		forwarded, err := os.ReadFile(filepath.Join(child.workDir, "scene1.blend"))
		return err == nil && string(forwarded) == string(scene)
	}, 5*time.Second, 5*time.Millisecond)

	frames := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	got := driveRender(t, conn, "scene1", frames)
	require.Len(t, got, len(frames))
	for _, f := range frames {
		require.Contains(t, got, f)
	}

	// Every frame was rendered exactly once, somewhere in the tree.
	rendered := append(parentMock.Rendered(), childMock.Rendered()...)
	require.ElementsMatch(t, frames, rendered)
}

func TestUploadFanoutIdenticalBytes(t *testing.T) {
	childA, epA := newTestServer(t, &render.Mock{}, nil)
	childB, epB := newTestServer(t, &render.Mock{}, nil)
	_, parentEp := newTestServer(t, &render.Mock{}, []config.Endpoint{epA, epB})

	conn := dialServer(t, parentEp)
	scene := []byte("bytes that must arrive unchanged")
	upload(t, conn, "fanout", scene)

	for _, child := range []*Server{childA, childB} {
		require.Eventually(t, func() bool {
			forwarded, err := os.ReadFile(filepath.Join(child.workDir, "fanout.blend"))
			return err == nil && string(forwarded) == string(scene)
		}, 5*time.Second, 5*time.Millisecond)
	}
}

func TestDeleteForwardsToChildren(t *testing.T) {
	childMock := &render.Mock{}
	child, childEp := newTestServer(t, childMock, nil)
	_, parentEp := newTestServer(t, &render.Mock{}, []config.Endpoint{childEp})

	conn := dialServer(t, parentEp)
	upload(t, conn, "scene1", []byte("scene"))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(child.workDir, "scene1.blend"))
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, wire.WriteMessage(conn, wire.NewDelete("scene1")))
	header, err := wire.ReadHeader(conn)
	require.NoError(t, err)
	h, err := wire.Peek(header)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOkay, h.Status)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(child.workDir, "scene1.blend"))
		return os.IsNotExist(err)
	}, 5*time.Second, 5*time.Millisecond)
}

// instrumentedConn records whether two Writes ever overlap.
type instrumentedConn struct {
	net.Conn
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (c *instrumentedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.maxSeen {
		c.maxSeen = c.active
	}
	c.mu.Unlock()

	time.Sleep(100 * time.Microsecond) // widen the race window
	n, err := c.Conn.Write(p)

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return n, err
}

func TestSendLockSerializesClientWrites(t *testing.T) {
	near, far := net.Pipe()
	defer near.Close()

	// Drain everything the connection handler writes.
	go func() { _, _ = io.Copy(io.Discard, far) }()

	wrapped := &instrumentedConn{Conn: near}
	c := &serverConn{nc: wrapped, pending: newFrameQueue(), Logger: discardLogger()}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				switch i % 3 {
				case 0:
					_ = c.send(wire.NewRequest(1))
				case 1:
					_ = c.sendFrame(n, []byte("payload-bytes"), "png")
				default:
					header, _ := json.Marshal(wire.NewRequest(1))
					_ = c.relay(header, []byte("relayed"))
				}
			}
		}(i)
	}
	wg.Wait()

	wrapped.mu.Lock()
	defer wrapped.mu.Unlock()
	require.Equal(t, 1, wrapped.maxSeen, "writes to the client socket overlapped")
}

package wire

import (
	"encoding/json"
	"regexp"

	"github.com/gravitational/trace"
)

// Message type discriminators. Requests carry "type"; terminal replies carry
// "status" instead, a quirk inherited from the wire protocol's first version
// that every node in the tree now depends on.
const (
	TypeUpload  = "UPLOAD"
	TypeRender  = "RENDER"
	TypeDelete  = "DELETE"
	TypeServe   = "SERVE"
	TypeRequest = "REQUEST"
	TypeFrame   = "FRAME"

	StatusOkay = "OKAY"
	StatusFail = "FAIL"
)

// Sessions name files on the server's disk, so anything beyond alphanumerics
// would open the door to paths like "../session.blend".
var sessionRE = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// ValidSession reports whether name is a legal session identifier.
func ValidSession(name string) bool {
	return sessionRE.MatchString(name)
}

// Header is the discriminating prefix shared by all messages. Exactly one of
// Type and Status is set.
type Header struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
}

// Peek decodes only the discriminator fields of a raw header so a router can
// decide which concrete message to unmarshal.
func Peek(header []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(header, &h); err != nil {
		return Header{}, trace.Wrap(err)
	}
	return h, nil
}

// FrameList is the RENDER "frames" field: a single frame number or an array
// of them. A one-element list marshals as a bare number, matching what every
// node emits when dispatching the atomic single-frame unit.
type FrameList []int

func (f FrameList) MarshalJSON() ([]byte, error) {
	if len(f) == 1 {
		return json.Marshal(f[0])
	}
	return json.Marshal([]int(f))
}

func (f *FrameList) UnmarshalJSON(data []byte) error {
	var single int
	if err := json.Unmarshal(data, &single); err == nil {
		*f = FrameList{single}
		return nil
	}
	var many []int
	if err := json.Unmarshal(data, &many); err != nil {
		return trace.BadParameter("frames must be a number or an array of numbers")
	}
	*f = many
	return nil
}

// Upload announces size bytes of scene data following the header.
type Upload struct {
	Type    string `json:"type"`
	Session string `json:"session"`
	Size    int64  `json:"size"`
}

func NewUpload(session string, size int64) Upload {
	return Upload{Type: TypeUpload, Session: session, Size: size}
}

// Render asks the receiver to render the given frames of a session.
// RenderFormat is an opaque encoder hint handed through to the render
// subsystem; absent means the scene's own settings apply.
type Render struct {
	Type         string    `json:"type"`
	Session      string    `json:"session"`
	Frames       FrameList `json:"frames"`
	RenderFormat string    `json:"render_format,omitempty"`
}

func NewRender(session string, frames []int, format string) Render {
	return Render{Type: TypeRender, Session: session, Frames: frames, RenderFormat: format}
}

// Delete removes a session's scene file from the receiver and its subtree.
type Delete struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

func NewDelete(session string) Delete {
	return Delete{Type: TypeDelete, Session: session}
}

// Serve is the one-shot registration a child sends to a parent on startup.
// The child's address is taken from the TCP peer, only the listen port needs
// announcing.
type Serve struct {
	Type string `json:"type"`
	Port int    `json:"port"`
}

func NewServe(port int) Serve {
	return Serve{Type: TypeServe, Port: port}
}

// Okay is the terminal success reply for UPLOAD and DELETE.
type Okay struct {
	Status string `json:"status"`
}

func NewOkay() Okay {
	return Okay{Status: StatusOkay}
}

// Fail is the terminal failure reply for UPLOAD and DELETE.
type Fail struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func NewFail(reason string) Fail {
	return Fail{Status: StatusFail, Error: reason}
}

// Request travels upward: the sender (or a worker somewhere below it) is
// idle and wants FrameCount additional frames.
type Request struct {
	Type       string `json:"type"`
	FrameCount int    `json:"frame_count"`
}

func NewRequest(frameCount int) Request {
	return Request{Type: TypeRequest, FrameCount: frameCount}
}

// Frame announces FrameSize bytes of encoded image following the header.
type Frame struct {
	Type          string `json:"type"`
	FrameSize     int64  `json:"frame_size"`
	FrameNumber   int    `json:"frame_number"`
	FileExtension string `json:"file_extension"`
}

func NewFrame(size int64, number int, ext string) Frame {
	return Frame{Type: TypeFrame, FrameSize: size, FrameNumber: number, FileExtension: ext}
}

// LocalRender is sent from a server to its render worker process.
type LocalRender struct {
	Session      string `json:"session"`
	Frame        int    `json:"frame"`
	RenderFormat string `json:"render_format,omitempty"`
}

// LocalResponse is the worker's reply: the name of the rendered image file,
// relative to the worker's working directory, extension included.
type LocalResponse struct {
	ImageName string `json:"image_name"`
}

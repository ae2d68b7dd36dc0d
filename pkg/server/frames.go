package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"interviewer/pkg/bridge"
	"interviewer/pkg/logx"
	"interviewer/pkg/proto"
)

// Frame types sent by the client.
const (
	FrameUserFinal = "user_final"
	FramePaste     = "paste"
	FrameEnd       = "end"
)

// Frame types sent by the server.
const (
	FrameSession = "session"
	FrameTurn    = "turn"
	FrameStage   = "stage"
	FrameNotice  = "notice"
)

const (
	writeWait    = 10 * time.Second
	outboundSize = 64
)

// ClientFrame is a message from the candidate's client.
type ClientFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Content string `json:"content,omitempty"`
}

// ServerFrame is a message to the candidate's client.
type ServerFrame struct {
	Turn      *proto.TurnRecord `json:"turn,omitempty"`
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Stage     proto.Stage       `json:"stage,omitempty"`
	Text      string            `json:"text,omitempty"`
}

// Event converts a client frame into a session event. ok is false for unknown frames.
func (f ClientFrame) Event() (proto.Event, bool) {
	switch f.Type {
	case FrameUserFinal:
		return proto.UserFinal{Text: f.Text}, true
	case FramePaste:
		return proto.PasteDetected{Content: f.Content}, true
	case FrameEnd:
		return proto.CapSignal{Reason: bridge.CapReasonCandidateEnded}, true
	default:
		return nil, false
	}
}

// connOutput renders session output onto a WebSocket. Frames are queued and written by a
// single writer goroutine, since a websocket.Conn supports one concurrent writer.
type connOutput struct {
	conn    *websocket.Conn
	logger  *logx.Logger
	frames  chan ServerFrame
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newConnOutput(conn *websocket.Conn, logger *logx.Logger) *connOutput {
	o := &connOutput{
		conn:    conn,
		logger:  logger,
		frames:  make(chan ServerFrame, outboundSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go o.writeLoop()
	return o
}

func (o *connOutput) send(f ServerFrame) {
	select {
	case o.frames <- f:
	case <-o.stop:
	}
}

// ShowTurn implements bridge.Output.
func (o *connOutput) ShowTurn(turn proto.TurnRecord) {
	o.send(ServerFrame{Type: FrameTurn, Turn: &turn})
}

// ShowStage implements bridge.Output.
func (o *connOutput) ShowStage(stage proto.Stage) {
	o.send(ServerFrame{Type: FrameStage, Stage: stage})
}

// ShowNotice implements bridge.Output.
func (o *connOutput) ShowNotice(text string) {
	o.send(ServerFrame{Type: FrameNotice, Text: text})
}

// close flushes queued frames, sends a close message and waits for the writer to exit.
func (o *connOutput) close() {
	o.once.Do(func() { close(o.stop) })
	<-o.stopped
}

func (o *connOutput) write(f ServerFrame) error {
	_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return o.conn.WriteJSON(f)
}

func (o *connOutput) writeLoop() {
	defer close(o.stopped)
	defer func() { _ = o.conn.Close() }()

	for {
		select {
		case f := <-o.frames:
			if err := o.write(f); err != nil {
				o.logger.Debug("websocket write failed: %v", err)
				o.once.Do(func() { close(o.stop) })
				return
			}
		case <-o.stop:
			for {
				select {
				case f := <-o.frames:
					if err := o.write(f); err != nil {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "interview ended")
					_ = o.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

package persistence

import (
	"interviewer/pkg/logx"
	"interviewer/pkg/proto"
)

// Writer enqueues fire-and-forget writes on the persistence channel. A full queue drops the
// write with a warning rather than stalling the session that produced it.
type Writer struct {
	ch     chan<- *Request
	logger *logx.Logger
}

// NewWriter creates a writer over ch.
func NewWriter(ch chan<- *Request) *Writer {
	return &Writer{ch: ch, logger: logx.NewLogger("persistence")}
}

func (w *Writer) send(op string, data interface{}) {
	if w == nil || w.ch == nil {
		return
	}
	select {
	case w.ch <- &Request{Operation: op, Data: data}:
	default:
		w.logger.Warn("⚠️ persistence queue full, dropping %s", op)
	}
}

// SaveSession persists a session record.
func (w *Writer) SaveSession(s SessionRecord) {
	w.send(OpUpsertSession, &s)
}

// SaveTurn persists a transcript turn.
func (w *Writer) SaveTurn(t proto.TurnRecord) {
	w.send(OpInsertTurn, &t)
}

// SaveCheckpoint persists a checkpoint.
func (w *Writer) SaveCheckpoint(c Checkpoint) {
	w.send(OpInsertCheckpoint, &c)
}

// SavePasteEvaluation persists a paste evaluation.
func (w *Writer) SavePasteEvaluation(p PasteRecord) {
	w.send(OpUpsertPasteEvaluation, &p)
}

// Process applies one request with ops. Query responses and errors go to req.Response
// when it is set.
func Process(req *Request, ops *DatabaseOperations, logger *logx.Logger) {
	var err error
	switch req.Operation {
	case OpUpsertSession:
		if s, ok := req.Data.(*SessionRecord); ok {
			err = ops.UpsertSession(s)
		}
	case OpInsertTurn:
		if t, ok := req.Data.(*proto.TurnRecord); ok {
			err = ops.InsertTurn(t)
		}
	case OpInsertCheckpoint:
		if c, ok := req.Data.(*Checkpoint); ok {
			err = ops.InsertCheckpoint(c)
			if err == nil {
				logger.Debug("stored %s checkpoint for %s", c.Kind, c.SessionID)
			}
		}
	case OpUpsertPasteEvaluation:
		if p, ok := req.Data.(*PasteRecord); ok {
			err = ops.UpsertPasteEvaluation(p)
		}
	case OpGetSession:
		id, _ := req.Data.(string)
		s, gerr := ops.GetSession(id)
		if req.Response != nil {
			if gerr != nil {
				req.Response <- gerr
			} else {
				req.Response <- s
			}
		}
		return
	default:
		logger.Warn("unknown persistence operation: %s", req.Operation)
		return
	}
	if err != nil {
		logger.Error("persistence %s failed: %v", req.Operation, err)
	}
	if req.Response != nil {
		req.Response <- err
	}
}

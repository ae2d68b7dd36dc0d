// Package arbiter enforces that at most one assistant reply is in flight per dialogue.
//
// A caller takes the slot with BeginPending before requesting a reply and releases it with
// Complete once the reply has been accepted. CancelAndDiscard releases the slot early and
// remembers the request, so that when its result eventually arrives Resolve reports it as
// Discarded and the caller drops it instead of showing it.
package arbiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"interviewer/pkg/logx"
	"interviewer/pkg/proto"
)

// ErrPendingActive is returned by BeginPending while another reply is outstanding.
var ErrPendingActive = errors.New("a reply is already pending")

// Pending describes one requested assistant reply.
type Pending struct {
	IssuedAt time.Time         `json:"issued_at"`
	ID       string            `json:"id"`
	Reason   proto.ReplyReason `json:"reason"`
	Stage    proto.Stage       `json:"stage"`
}

// Marker returns the discard marker for this reply.
func (p Pending) Marker() string {
	return p.Reason.DiscardMarker()
}

// Outcome classifies an arriving reply.
type Outcome int

const (
	// Unexpected: nothing requested this reply.
	Unexpected Outcome = iota
	// Current: the reply answers the active request.
	Current
	// Discarded: the reply answers a request that was cancelled.
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Current:
		return "current"
	case Discarded:
		return "discarded"
	default:
		return "unexpected"
	}
}

// Resolution is the result of matching an arriving reply against outstanding requests.
type Resolution struct {
	Pending Pending
	Outcome Outcome
}

// Arbiter owns the single pending-reply slot of one dialogue. It is safe for concurrent use,
// although sessions only touch it from their own event loop.
type Arbiter struct {
	current   *Pending
	logger    *logx.Logger
	discarded []Pending
	mu        sync.Mutex
}

// New creates an arbiter; name scopes its log lines.
func New(name string) *Arbiter {
	return &Arbiter{logger: logx.NewLogger("arbiter").With(name)}
}

// BeginPending takes the slot for a reply requested for reason at stage.
func (a *Arbiter) BeginPending(reason proto.ReplyReason, stage proto.Stage) (Pending, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != nil {
		return Pending{}, fmt.Errorf("%w: %s (id %s)", ErrPendingActive, a.current.Reason, a.current.ID)
	}
	p := Pending{
		ID:       uuid.NewString(),
		Reason:   reason,
		Stage:    stage,
		IssuedAt: time.Now(),
	}
	a.current = &p
	a.logger.Debug("begin %s reply %s at %s", reason, p.ID, stage)
	return p, nil
}

// Complete clears the slot. Calling it with nothing pending is a no-op.
func (a *Arbiter) Complete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != nil {
		a.logger.Debug("complete %s reply %s", a.current.Reason, a.current.ID)
	}
	a.current = nil
}

// CancelAndDiscard marks the outstanding request obsolete and frees the slot. It reports the
// cancelled request, or false when nothing was pending.
func (a *Arbiter) CancelAndDiscard() (Pending, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return Pending{}, false
	}
	p := *a.current
	a.current = nil
	a.discarded = append(a.discarded, p)
	a.logger.Info("cancelled %s reply %s; its result will be dropped as %s", p.Reason, p.ID, p.Marker())
	return p, true
}

// Resolve matches an arriving reply. An empty id comes from a bridge that cannot echo request
// ids; replies arrive in request order, so it matches the oldest cancelled request first, then
// the current one. A matched cancelled request is forgotten.
func (a *Arbiter) Resolve(id string) Resolution {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id == "" {
		if len(a.discarded) > 0 {
			p := a.discarded[0]
			a.discarded = a.discarded[1:]
			return Resolution{Outcome: Discarded, Pending: p}
		}
		if a.current != nil {
			return Resolution{Outcome: Current, Pending: *a.current}
		}
		return Resolution{Outcome: Unexpected}
	}

	if a.current != nil && a.current.ID == id {
		return Resolution{Outcome: Current, Pending: *a.current}
	}
	for i := range a.discarded {
		if a.discarded[i].ID == id {
			p := a.discarded[i]
			a.discarded = append(a.discarded[:i], a.discarded[i+1:]...)
			return Resolution{Outcome: Discarded, Pending: p}
		}
	}
	return Resolution{Outcome: Unexpected}
}

// Current returns the pending request, if any.
func (a *Arbiter) Current() (Pending, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return Pending{}, false
	}
	return *a.current, true
}

// Active reports whether a reply is pending.
func (a *Arbiter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current != nil
}

// Awaiting reports how many cancelled requests still have a result outstanding.
func (a *Arbiter) Awaiting() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.discarded)
}

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/mtzanidakis/parley/internal/protocol"
)

// Local delivers messages to handlers in the same process. Messages still go
// through the wire codec in both directions.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewLocal() *Local {
	return &Local{handlers: make(map[string]Handler)}
}

func (l *Local) Register(agentID string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[agentID] = h
}

func (l *Local) Unregister(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, agentID)
}

func (l *Local) handler(agentID string) (Handler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[agentID]
	return h, ok
}

func (l *Local) Send(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	in, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}
	if in.Type != protocol.TypeRequest {
		return nil, &protocol.Error{Reason: fmt.Sprintf("send expects a request, got %s", in.Type)}
	}
	h, ok := l.handler(in.To)
	if !ok {
		return nil, &Error{Peer: in.To, Err: ErrUnreachable}
	}

	type reply struct {
		msg *protocol.Message
		err error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := h.Handle(ctx, in)
		done <- reply{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, contextError(ctx, in.To)
	case r := <-done:
		if r.err != nil {
			return nil, &Error{Peer: in.To, Err: r.err}
		}
		if err := checkResponse(in, r.msg); err != nil {
			return nil, err
		}
		return roundTrip(r.msg)
	}
}

// Notify delivers the notification synchronously. Handler errors are the
// receiver's concern and are not reported.
func (l *Local) Notify(ctx context.Context, msg *protocol.Message) error {
	in, err := roundTrip(msg)
	if err != nil {
		return err
	}
	if in.Type != protocol.TypeNotification {
		return &protocol.Error{Reason: fmt.Sprintf("notify expects a notification, got %s", in.Type)}
	}
	h, ok := l.handler(in.To)
	if !ok {
		return &Error{Peer: in.To, Err: ErrUnreachable}
	}
	_, _ = h.Handle(ctx, in)
	return nil
}

func roundTrip(msg *protocol.Message) (*protocol.Message, error) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return protocol.Parse(data)
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mtzanidakis/parley/internal/config"
	"github.com/mtzanidakis/parley/internal/natsbus"
	"github.com/mtzanidakis/parley/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// harness is a transport plus a way to attach an agent handler to it.
type harness struct {
	tr    Transport
	serve func(agentID string, h Handler)
}

type harnessFactory func(t *testing.T) harness

type acceptanceTest struct {
	name string
	test func(t *testing.T, newHarness harnessFactory)
}

func runAcceptanceTests(t *testing.T, name string, factory harnessFactory) {
	tests := []acceptanceTest{
		{"delivers requests and returns responses", testRequestResponse},
		{"reports unreachable agents", testUnreachable},
		{"rejects malformed messages before sending", testMalformedOutbound},
		{"times out on slow handlers", testTimeout},
		{"delivers notifications", testNotify},
		{"returns error responses as responses", testErrorResponse},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", name, tt.name), func(t *testing.T) {
			tt.test(t, factory)
		})
	}
}

func TestTransportImplementations(t *testing.T) {
	t.Run("Local", func(t *testing.T) {
		runAcceptanceTests(t, "Local", func(t *testing.T) harness {
			l := NewLocal()
			return harness{tr: l, serve: l.Register}
		})
	})

	t.Run("NATS", func(t *testing.T) {
		runAcceptanceTests(t, "NATS", func(t *testing.T) harness {
			bus, err := natsbus.New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
			require.NoError(t, err)
			t.Cleanup(bus.Close)

			client, err := natsbus.NewClient(bus)
			require.NoError(t, err)
			t.Cleanup(client.Close)

			ctx, cancel := context.WithCancel(context.Background())
			t.Cleanup(cancel)

			n := NewNATS(client)
			return harness{
				tr: n,
				serve: func(agentID string, h Handler) {
					sub, err := n.Serve(ctx, agentID, h)
					require.NoError(t, err)
					t.Cleanup(func() { _ = sub.Unsubscribe() })
				},
			}
		})
	})
}

func availabilityRequest(t *testing.T, to string) *protocol.Message {
	t.Helper()
	slot := protocol.NewTimeSlot(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), time.Hour)
	msg, err := protocol.NewRequest("host", to, "conv-1", protocol.ActionCheckAvailability, protocol.AvailabilityRequest{Slot: slot})
	require.NoError(t, err)
	return msg
}

func acceptHandler() Handler {
	return HandlerFunc(func(_ context.Context, msg *protocol.Message) (*protocol.Message, error) {
		return msg.Reply(protocol.Accept())
	})
}

func testRequestResponse(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	h.serve("alice", acceptHandler())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := h.tr.Send(ctx, availabilityRequest(t, "alice"))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeResponse, resp.Type)
	assert.Equal(t, "alice", resp.From)
	assert.Equal(t, "host", resp.To)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, protocol.ActionCheckAvailability, resp.Payload.Action)

	var d protocol.Decision
	require.NoError(t, resp.DecodeResult(&d))
	assert.Equal(t, protocol.KindAccept, d.Kind)
}

func testUnreachable(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := h.tr.Send(ctx, availabilityRequest(t, "nobody"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.True(t, IsTransient(err))

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "nobody", terr.Peer)
}

func testMalformedOutbound(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	called := make(chan struct{}, 1)
	h.serve("alice", HandlerFunc(func(_ context.Context, msg *protocol.Message) (*protocol.Message, error) {
		called <- struct{}{}
		return msg.Reply(protocol.Accept())
	}))

	msg := availabilityRequest(t, "alice")
	msg.ProtocolVersion = "2.0"

	_, err := h.tr.Send(context.Background(), msg)
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.False(t, IsTransient(err))

	select {
	case <-called:
		t.Fatal("handler must not see a malformed message")
	case <-time.After(50 * time.Millisecond):
	}
}

func testTimeout(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.serve("slow", HandlerFunc(func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
		<-release
		return msg.Reply(protocol.Accept())
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.tr.Send(ctx, availabilityRequest(t, "slow"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)
}

func testNotify(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	received := make(chan *protocol.Message, 1)
	h.serve("alice", HandlerFunc(func(_ context.Context, msg *protocol.Message) (*protocol.Message, error) {
		received <- msg
		return nil, nil
	}))

	slot := protocol.NewTimeSlot(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), time.Hour)
	msg, err := protocol.NewNotification("host", "alice", "conv-1", protocol.EventMeetingConfirmed, protocol.Confirmation{
		Slot:         slot,
		Participants: []string{"alice", "bob"},
		Rounds:       1,
	})
	require.NoError(t, err)
	require.NoError(t, h.tr.Notify(context.Background(), msg))

	select {
	case got := <-received:
		assert.Equal(t, protocol.TypeNotification, got.Type)
		assert.Equal(t, protocol.EventMeetingConfirmed, got.Key())
		var c protocol.Confirmation
		require.NoError(t, got.DecodeParameters(&c))
		assert.True(t, c.Slot.Equal(slot))
		assert.Equal(t, []string{"alice", "bob"}, c.Participants)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

func testErrorResponse(t *testing.T, newHarness harnessFactory) {
	h := newHarness(t)
	h.serve("alice", HandlerFunc(func(_ context.Context, msg *protocol.Message) (*protocol.Message, error) {
		return msg.ReplyError("unknown action"), nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := h.tr.Send(ctx, availabilityRequest(t, "alice"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Payload.Status)
	assert.Equal(t, "unknown action", resp.Payload.Error)

	var d protocol.Decision
	err = resp.DecodeResult(&d)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
}

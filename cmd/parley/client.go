package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/parley/internal/natsbus"
	"github.com/mtzanidakis/parley/internal/protocol"
	"github.com/mtzanidakis/parley/internal/transport"
)

const clientID = "parley-cli"

func runNegotiate(args []string) error {
	opts := parseArgs(args)
	if opts["with"] == "" || opts["start"] == "" {
		fmt.Fprintln(os.Stderr, `Usage: parley negotiate --with alice,bob --start 2026-03-02T09:00:00Z [--duration 30m] [--rounds N] [--timeout 5s]`)
		return fmt.Errorf("--with and --start are required")
	}

	req, err := negotiateRequest(opts)
	if err != nil {
		return err
	}

	natsURL := envOr("PARLEY_NATS_URL", "nats://localhost:4222")
	if v := opts["nats"]; v != "" {
		natsURL = v
	}
	host := envOr("PARLEY_HOST_ID", "host")
	if v := opts["host"]; v != "" {
		host = v
	}

	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res, err := sendNegotiate(ctx, transport.NewNATS(client), host, req)
	if err != nil {
		return err
	}
	printResult(os.Stdout, res)
	if res.State != "confirmed" {
		return fmt.Errorf("negotiation %s: %s", res.State, res.Reason)
	}
	return nil
}

func negotiateRequest(opts map[string]string) (protocol.NegotiateRequest, error) {
	var req protocol.NegotiateRequest
	for _, p := range strings.Split(opts["with"], ",") {
		if p = strings.TrimSpace(p); p != "" {
			req.Participants = append(req.Participants, p)
		}
	}

	start, err := time.Parse(time.RFC3339, opts["start"])
	if err != nil {
		return req, fmt.Errorf("invalid --start: %w", err)
	}
	duration := 30 * time.Minute
	if v := opts["duration"]; v != "" {
		if duration, err = time.ParseDuration(v); err != nil || duration <= 0 {
			return req, fmt.Errorf("invalid --duration %q", v)
		}
	}
	req.Slot = protocol.NewTimeSlot(start, duration)

	if v := opts["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return req, fmt.Errorf("invalid --timeout %q", v)
		}
		req.RoundTimeoutMs = d.Milliseconds()
	}
	if v := opts["rounds"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return req, fmt.Errorf("invalid --rounds %q", v)
		}
		req.MaxRounds = n
	}
	return req, nil
}

// sendNegotiate asks the host agent to run a negotiation and waits for its
// result. Failed negotiations are results, not errors.
func sendNegotiate(ctx context.Context, t transport.Transport, host string, req protocol.NegotiateRequest) (*protocol.NegotiateResult, error) {
	msg, err := protocol.NewRequest(clientID, host, uuid.NewString(), protocol.ActionNegotiate, req)
	if err != nil {
		return nil, err
	}
	resp, err := t.Send(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("negotiate request: %w", err)
	}
	var res protocol.NegotiateResult
	if err := resp.DecodeResult(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func printResult(w io.Writer, res *protocol.NegotiateResult) {
	fmt.Fprintf(w, "Conversation: %s\n", res.ConversationID)
	fmt.Fprintf(w, "State:        %s\n", res.State)
	if res.Reason != "" {
		fmt.Fprintf(w, "Reason:       %s\n", res.Reason)
	}
	if res.Slot != nil {
		fmt.Fprintf(w, "Slot:         %s\n", res.Slot)
	}
	fmt.Fprintf(w, "Rounds:       %d\n", res.RoundsUsed)

	ids := make([]string, 0, len(res.Responses))
	for id := range res.Responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  %-12s %s\n", id, res.Responses[id])
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

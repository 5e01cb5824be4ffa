package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"fsy-go/internal/fsy"
)

// Network connects engines in-process. Each node registers its handler;
// clients call the target handler directly, in the caller's goroutine.
type Network struct {
	mu       sync.Mutex
	handlers map[fsy.NodeID]fsy.PeerHandler
	down     map[fsy.NodeID]bool
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[fsy.NodeID]fsy.PeerHandler),
		down:     make(map[fsy.NodeID]bool),
	}
}

// Register makes h reachable as id.
func (n *Network) Register(id fsy.NodeID, h fsy.PeerHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// SetDown makes id unreachable until called again with false.
func (n *Network) SetDown(id fsy.NodeID, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = down
}

func (n *Network) handler(id fsy.NodeID) (fsy.PeerHandler, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.handlers[id]
	if !ok || n.down[id] {
		return nil, fmt.Errorf("node %s: %w", id, fsy.ErrUnreachable)
	}
	return h, nil
}

// Client returns a PeerClient that authenticates as from.
func (n *Network) Client(from fsy.NodeID) fsy.PeerClient {
	return &loopbackClient{net: n, from: from}
}

type loopbackClient struct {
	net  *Network
	from fsy.NodeID
}

func (c *loopbackClient) Push(ctx context.Context, to fsy.Trustee, offer fsy.Offer, body io.Reader) (fsy.Outcome, error) {
	h, err := c.net.handler(to.NodeID)
	if err != nil {
		return "", err
	}
	return h.HandlePush(ctx, c.from, offer, body)
}

func (c *loopbackClient) Pull(ctx context.Context, to fsy.Trustee, req fsy.PullRequest) (*fsy.PullReply, error) {
	h, err := c.net.handler(to.NodeID)
	if err != nil {
		return nil, err
	}
	return h.HandlePull(ctx, c.from, req)
}

// Push is one push seen by a RecordingClient.
type Push struct {
	Trustee string
	Offer   fsy.Offer
	Body    []byte
}

// RecordingClient records pushes and answers pulls from a canned reply. It
// drains push bodies so the sender's transfer completes.
type RecordingClient struct {
	mu      sync.Mutex
	pushes  []Push
	pulls   []fsy.PullRequest
	outcome fsy.Outcome
	errs    []error

	// PullReply, when set, builds the answer to each pull.
	PullReply func(fsy.PullRequest) (*fsy.PullReply, error)
}

func NewRecordingClient() *RecordingClient {
	return &RecordingClient{outcome: fsy.OutcomeApplied}
}

// FailNext makes the next len(errs) pushes fail with errs, in order.
func (c *RecordingClient) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, errs...)
}

// SetOutcome changes the outcome reported for successful pushes.
func (c *RecordingClient) SetOutcome(o fsy.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcome = o
}

func (c *RecordingClient) Push(ctx context.Context, to fsy.Trustee, offer fsy.Offer, body io.Reader) (fsy.Outcome, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, Push{Trustee: to.Name, Offer: offer, Body: buf.Bytes()})
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return "", err
	}
	return c.outcome, nil
}

func (c *RecordingClient) Pull(ctx context.Context, to fsy.Trustee, req fsy.PullRequest) (*fsy.PullReply, error) {
	c.mu.Lock()
	c.pulls = append(c.pulls, req)
	reply := c.PullReply
	c.mu.Unlock()

	if reply == nil {
		return &fsy.PullReply{Unchanged: true}, nil
	}
	return reply(req)
}

// Pushes returns every push received so far, including failed attempts.
func (c *RecordingClient) Pushes() []Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Push(nil), c.pushes...)
}

// Pulls returns every pull request received so far.
func (c *RecordingClient) Pulls() []fsy.PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fsy.PullRequest(nil), c.pulls...)
}

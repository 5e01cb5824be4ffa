package fsy

import (
	"context"
	"io"
	"time"
)

// Offer announces one version of one member's content.
type Offer struct {
	Group     string
	Path      string
	Hash      string
	Timestamp time.Time
}

func (o Offer) Member() Member   { return Member{Group: o.Group, Path: o.Path} }
func (o Offer) Version() Version { return Version{Hash: o.Hash, Timestamp: o.Timestamp} }

// PullRequest asks a peer for the first member of Group whose content is
// not in Known. Known maps member paths to the hashes the requester has.
type PullRequest struct {
	Group string
	Known map[string]string
}

// PullReply answers a PullRequest. Body carries the sealed payload and is
// nil when Unchanged.
type PullReply struct {
	Unchanged bool
	Offer     Offer
	Body      io.ReadCloser
}

// PeerClient sends requests to trustees over an authenticated channel.
// Transport failures wrap ErrUnreachable; rejections carry the peer's
// sentinel error.
type PeerClient interface {
	Push(ctx context.Context, to Trustee, offer Offer, body io.Reader) (Outcome, error)
	Pull(ctx context.Context, to Trustee, req PullRequest) (*PullReply, error)
}

// PeerHandler serves requests arriving from authenticated peers.
type PeerHandler interface {
	HandlePush(ctx context.Context, from NodeID, offer Offer, body io.Reader) (Outcome, error)
	HandlePull(ctx context.Context, from NodeID, req PullRequest) (*PullReply, error)
}

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"fsy-go/internal/fsy"
)

// Idle peer connections are pinged so a trustee that went away is noticed
// before the next push.
const (
	keepaliveTime    = 30 * time.Second
	keepaliveTimeout = 10 * time.Second
)

// Client implements fsy.PeerClient over gRPC with mutual TLS. Connections
// are created lazily and kept per trustee.
type Client struct {
	cert tls.Certificate

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

var _ fsy.PeerClient = (*Client)(nil)

// NewClient creates a client authenticating as id.
func NewClient(id *fsy.NodeIdentity) (*Client, error) {
	cert, err := certificate(id)
	if err != nil {
		return nil, err
	}
	return &Client{cert: cert, conns: make(map[string]*grpc.ClientConn)}, nil
}

func (c *Client) conn(to fsy.Trustee) (*grpc.ClientConn, error) {
	if to.Address == "" {
		return nil, fmt.Errorf("trustee %q has no address: %w", to.Name, fsy.ErrUnreachable)
	}
	key := to.NodeID.String() + "@" + to.Address

	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.conns[key]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(to.Address,
		grpc.WithTransportCredentials(credentials.NewTLS(clientTLSConfig(c.cert, to.NodeID))),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w: %w", to.Name, fsy.ErrUnreachable, err)
	}
	c.conns[key] = cc
	return cc, nil
}

// Push streams body to the trustee. If reading body fails, that error is
// returned as is and the stream is cancelled.
func (c *Client) Push(ctx context.Context, to fsy.Trustee, offer fsy.Offer, body io.Reader) (fsy.Outcome, error) {
	cc, err := c.conn(to)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := cc.NewStream(ctx, pushDesc, pushMethod)
	if err != nil {
		return "", fromStatus(err)
	}

	if err := stream.SendMsg(&pushFrame{Offer: newOfferMsg(offer)}); err != nil {
		return pushResult(stream, err)
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(&pushFrame{Chunk: buf[:n]}); err != nil {
				return pushResult(stream, err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", rerr
		}
	}

	if err := stream.CloseSend(); err != nil {
		return "", fromStatus(err)
	}
	return pushResult(stream, nil)
}

// pushResult reads the reply. A send error of io.EOF means the server
// answered before taking the whole payload; the answer is in RecvMsg.
func pushResult(stream grpc.ClientStream, sendErr error) (fsy.Outcome, error) {
	if sendErr != nil && !errors.Is(sendErr, io.EOF) {
		return "", fromStatus(sendErr)
	}
	var reply pushReply
	if err := stream.RecvMsg(&reply); err != nil {
		return "", fromStatus(err)
	}
	return fsy.Outcome(reply.Outcome), nil
}

// Pull asks the trustee for its content. The caller must close the body of
// a changed reply.
func (c *Client) Pull(ctx context.Context, to fsy.Trustee, req fsy.PullRequest) (*fsy.PullReply, error) {
	cc, err := c.conn(to)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(ctx, pullDesc, pullMethod)
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(&pullRequestMsg{Group: req.Group, Known: req.Known}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	var first pullFrame
	if err := stream.RecvMsg(&first); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if first.Header == nil {
		cancel()
		return nil, fmt.Errorf("pull reply from %q has no header", to.Name)
	}
	if first.Header.Unchanged || first.Header.Offer == nil {
		cancel()
		return &fsy.PullReply{Unchanged: true}, nil
	}

	body := &frameReader{
		recv: func() ([]byte, error) {
			var f pullFrame
			if err := stream.RecvMsg(&f); err != nil {
				return nil, err
			}
			return f.Chunk, nil
		},
		mapErr: fromStatus,
	}
	return &fsy.PullReply{
		Offer: first.Header.Offer.offer(),
		Body:  &streamBody{Reader: body, cancel: cancel},
	}, nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for key, cc := range c.conns {
		errs = append(errs, cc.Close())
		delete(c.conns, key)
	}
	return errors.Join(errs...)
}

type streamBody struct {
	io.Reader
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	b.cancel()
	return nil
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"fsy-go/internal/fsy"
)

// Server accepts pushes and pulls from trustees and hands them to a
// fsy.PeerHandler.
type Server struct {
	handler fsy.PeerHandler
	trust   *fsy.TrustStore
	logger  fsy.Logger
	grpc    *grpc.Server
}

var _ syncService = (*Server)(nil)

// NewServer creates a server presenting the trust store's local identity.
func NewServer(trust *fsy.TrustStore, handler fsy.PeerHandler, logger fsy.Logger) (*Server, error) {
	if logger == nil {
		logger = fsy.NewNopLogger()
	}
	cert, err := certificate(trust.LocalIdentity())
	if err != nil {
		return nil, err
	}

	s := &Server{handler: handler, trust: trust, logger: logger}
	s.grpc = grpc.NewServer(
		grpc.Creds(credentials.NewTLS(serverTLSConfig(cert))),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             keepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("listening for peers", "address", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving peers: %w", err)
	}
	return nil
}

// Stop closes the listener and cancels open streams.
func (s *Server) Stop() {
	s.grpc.Stop()
}

// authenticate returns the node id of the caller, which must be a trustee.
func (s *Server) authenticate(ctx context.Context) (fsy.NodeID, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "no peer information")
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.PeerCertificates) == 0 {
		return "", status.Error(codes.Unauthenticated, "no client certificate")
	}
	id, err := nodeIDFromCert(info.State.PeerCertificates[0])
	if err != nil {
		return "", status.Error(codes.Unauthenticated, err.Error())
	}
	if len(s.trust.NamesFor(id)) == 0 {
		s.logger.Warn("rejected unknown peer", "node_id", id, "address", p.Addr.String())
		return "", toStatus(fmt.Errorf("node %s: %w", id, fsy.ErrUnknownTrustee))
	}
	return id, nil
}

func (s *Server) push(stream grpc.ServerStream) error {
	ctx := stream.Context()
	from, err := s.authenticate(ctx)
	if err != nil {
		return err
	}

	var first pushFrame
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	if first.Offer == nil {
		return status.Error(codes.InvalidArgument, "first push frame must carry the offer")
	}

	body := &frameReader{
		recv: func() ([]byte, error) {
			var f pushFrame
			if err := stream.RecvMsg(&f); err != nil {
				return nil, err
			}
			return f.Chunk, nil
		},
		mapErr: fromStatus,
	}

	outcome, err := s.handler.HandlePush(ctx, from, first.Offer.offer(), body)
	if err != nil {
		return toStatus(err)
	}
	return stream.SendMsg(&pushReply{Outcome: string(outcome)})
}

func (s *Server) pull(stream grpc.ServerStream) error {
	ctx := stream.Context()
	from, err := s.authenticate(ctx)
	if err != nil {
		return err
	}

	var req pullRequestMsg
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	reply, err := s.handler.HandlePull(ctx, from, fsy.PullRequest{Group: req.Group, Known: req.Known})
	if err != nil {
		return toStatus(err)
	}
	if reply.Unchanged {
		return stream.SendMsg(&pullFrame{Header: &pullHeader{Unchanged: true}})
	}
	defer reply.Body.Close()

	if err := stream.SendMsg(&pullFrame{Header: &pullHeader{Offer: newOfferMsg(reply.Offer)}}); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := reply.Body.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(&pullFrame{Chunk: buf[:n]}); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return toStatus(rerr)
		}
	}
}

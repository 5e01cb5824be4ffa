package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"fsy-go/internal/fsy"
)

type fakeHandler struct {
	mu       sync.Mutex
	from     fsy.NodeID
	offer    fsy.Offer
	received []byte
	pulled   fsy.PullRequest

	outcome   fsy.Outcome
	pushErr   error
	skipBody  bool
	pullReply *fsy.PullReply
	pullErr   error
}

func (h *fakeHandler) HandlePush(ctx context.Context, from fsy.NodeID, offer fsy.Offer, body io.Reader) (fsy.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.from, h.offer = from, offer
	if h.pushErr != nil {
		return "", h.pushErr
	}
	if !h.skipBody {
		data, err := io.ReadAll(body)
		if err != nil {
			return "", err
		}
		h.received = data
	}
	return h.outcome, nil
}

func (h *fakeHandler) HandlePull(ctx context.Context, from fsy.NodeID, req fsy.PullRequest) (*fsy.PullReply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.from, h.pulled = from, req
	return h.pullReply, h.pullErr
}

type fixture struct {
	handler  *fakeHandler
	client   *Client
	server   fsy.Trustee // the server as the client sees it
	clientID *fsy.NodeIdentity
}

func newIdentity(t *testing.T) *fsy.NodeIdentity {
	t.Helper()
	id, err := fsy.GenerateIdentity()
	require.NoError(t, err)
	return id
}

// setup starts a server that trusts the returned client.
func setup(t *testing.T) *fixture {
	t.Helper()

	serverID, clientID := newIdentity(t), newIdentity(t)
	trust, err := fsy.NewTrustStore(serverID, []fsy.Trustee{{Name: "client", NodeID: clientID.NodeID}})
	require.NoError(t, err)

	h := &fakeHandler{outcome: fsy.OutcomeApplied}
	srv, err := NewServer(trust, h, nil)
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewClient(clientID)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &fixture{
		handler:  h,
		client:   client,
		server:   fsy.Trustee{Name: "server", NodeID: serverID.NodeID, Address: lis.Addr().String()},
		clientID: clientID,
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPush_DeliversPayload(t *testing.T) {
	f := setup(t)
	payload := bytes.Repeat([]byte("0123456789"), 10000) // several frames
	offer := fsy.Offer{Group: "notes", Path: "sub/a.txt", Hash: "abc", Timestamp: time.Unix(1700000000, 42).UTC()}

	outcome, err := f.client.Push(testContext(t), f.server, offer, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, fsy.OutcomeApplied, outcome)

	f.handler.mu.Lock()
	defer f.handler.mu.Unlock()
	assert.Equal(t, f.clientID.NodeID, f.handler.from)
	assert.Equal(t, offer.Group, f.handler.offer.Group)
	assert.Equal(t, offer.Path, f.handler.offer.Path)
	assert.Equal(t, offer.Hash, f.handler.offer.Hash)
	assert.True(t, offer.Timestamp.Equal(f.handler.offer.Timestamp))
	assert.Equal(t, payload, f.handler.received)
}

func TestPush_EarlyReply(t *testing.T) {
	f := setup(t)
	f.handler.skipBody = true
	f.handler.outcome = fsy.OutcomeUnchanged

	payload := bytes.Repeat([]byte("x"), 4*chunkSize)
	outcome, err := f.client.Push(testContext(t), f.server, fsy.Offer{Group: "notes", Hash: "abc"}, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, fsy.OutcomeUnchanged, outcome)
}

func TestPush_HandlerErrorsKeepTheirSentinel(t *testing.T) {
	for _, sentinel := range []error{
		fsy.ErrUnauthorized,
		fsy.ErrNotFound,
		fsy.ErrTransferInProgress,
		fsy.ErrIntegrityMismatch,
		fsy.ErrApplyFailed,
	} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			f := setup(t)
			f.handler.pushErr = fmt.Errorf("group %q: %w", "notes", sentinel)

			_, err := f.client.Push(testContext(t), f.server, fsy.Offer{Group: "notes", Hash: "abc"}, bytes.NewReader([]byte("data")))
			require.Error(t, err)
			assert.ErrorIs(t, err, sentinel)
			assert.NotErrorIs(t, err, fsy.ErrUnreachable)
		})
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestPush_BodyErrorReturnedAsIs(t *testing.T) {
	f := setup(t)
	bodyErr := fmt.Errorf("file changed: %w", fsy.ErrIntegrityMismatch)

	_, err := f.client.Push(testContext(t), f.server, fsy.Offer{Group: "notes", Hash: "abc"}, io.MultiReader(bytes.NewReader([]byte("partial")), failingReader{bodyErr}))
	require.Error(t, err)
	assert.ErrorIs(t, err, fsy.ErrIntegrityMismatch)
	assert.NotErrorIs(t, err, fsy.ErrUnreachable)
}

func TestPush_UnknownClientRejected(t *testing.T) {
	f := setup(t)
	stranger, err := NewClient(newIdentity(t))
	require.NoError(t, err)
	defer stranger.Close()

	_, err = stranger.Push(testContext(t), f.server, fsy.Offer{Group: "notes", Hash: "abc"}, bytes.NewReader([]byte("data")))
	require.Error(t, err)
	assert.ErrorIs(t, err, fsy.ErrUnknownTrustee)
}

func TestPush_ServerKeyPinned(t *testing.T) {
	f := setup(t)
	impostor := f.server
	impostor.NodeID = newIdentity(t).NodeID

	_, err := f.client.Push(testContext(t), impostor, fsy.Offer{Group: "notes", Hash: "abc"}, bytes.NewReader([]byte("data")))
	require.Error(t, err)
	assert.ErrorIs(t, err, fsy.ErrUnreachable)
}

func TestPush_Unreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	client, err := NewClient(newIdentity(t))
	require.NoError(t, err)
	defer client.Close()

	to := fsy.Trustee{Name: "gone", NodeID: newIdentity(t).NodeID, Address: addr}
	_, err = client.Push(testContext(t), to, fsy.Offer{Group: "notes"}, bytes.NewReader(nil))
	assert.ErrorIs(t, err, fsy.ErrUnreachable)

	_, err = client.Push(testContext(t), fsy.Trustee{Name: "nowhere"}, fsy.Offer{Group: "notes"}, bytes.NewReader(nil))
	assert.ErrorIs(t, err, fsy.ErrUnreachable)
}

type closeRecorder struct {
	io.Reader
	closed chan struct{}
}

func (c *closeRecorder) Close() error {
	close(c.closed)
	return nil
}

func TestPull_Changed(t *testing.T) {
	f := setup(t)
	payload := bytes.Repeat([]byte("pull me "), 20000)
	served := &closeRecorder{Reader: bytes.NewReader(payload), closed: make(chan struct{})}
	f.handler.pullReply = &fsy.PullReply{
		Offer: fsy.Offer{Group: "notes", Path: "b.txt", Hash: "def", Timestamp: time.Unix(1700000001, 0).UTC()},
		Body:  served,
	}

	known := map[string]string{"a.txt": "abc", "b.txt": "old"}
	reply, err := f.client.Pull(testContext(t), f.server, fsy.PullRequest{Group: "notes", Known: known})
	require.NoError(t, err)
	require.False(t, reply.Unchanged)
	assert.Equal(t, "def", reply.Offer.Hash)
	assert.Equal(t, "b.txt", reply.Offer.Path)

	got, err := io.ReadAll(reply.Body)
	require.NoError(t, err)
	require.NoError(t, reply.Body.Close())
	assert.Equal(t, payload, got)

	select {
	case <-served.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not close the served body")
	}

	f.handler.mu.Lock()
	defer f.handler.mu.Unlock()
	assert.Equal(t, known, f.handler.pulled.Known)
	assert.Equal(t, f.clientID.NodeID, f.handler.from)
}

func TestPull_Unchanged(t *testing.T) {
	f := setup(t)
	f.handler.pullReply = &fsy.PullReply{Unchanged: true}

	reply, err := f.client.Pull(testContext(t), f.server, fsy.PullRequest{Group: "notes", Known: map[string]string{"": "abc"}})
	require.NoError(t, err)
	assert.True(t, reply.Unchanged)
	assert.Nil(t, reply.Body)
}

func TestPull_Rejected(t *testing.T) {
	f := setup(t)
	f.handler.pullErr = fmt.Errorf("busy: %w", fsy.ErrTransferInProgress)

	_, err := f.client.Pull(testContext(t), f.server, fsy.PullRequest{Group: "notes"})
	assert.ErrorIs(t, err, fsy.ErrTransferInProgress)
}

func TestPull_BodyErrorReachesReader(t *testing.T) {
	f := setup(t)
	f.handler.pullReply = &fsy.PullReply{
		Offer: fsy.Offer{Group: "notes", Hash: "def"},
		Body:  io.NopCloser(io.MultiReader(bytes.NewReader([]byte("some")), failingReader{fmt.Errorf("changed: %w", fsy.ErrIntegrityMismatch)})),
	}

	reply, err := f.client.Pull(testContext(t), f.server, fsy.PullRequest{Group: "notes"})
	require.NoError(t, err)
	defer reply.Body.Close()

	_, err = io.ReadAll(reply.Body)
	assert.ErrorIs(t, err, fsy.ErrIntegrityMismatch)
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		code codes.Code
	}{
		{fsy.ErrUnauthorized, codes.PermissionDenied},
		{fsy.ErrUnknownTrustee, codes.Unauthenticated},
		{fsy.ErrNotFound, codes.NotFound},
		{fsy.ErrTransferInProgress, codes.Aborted},
		{fsy.ErrIntegrityMismatch, codes.DataLoss},
		{fsy.ErrApplyFailed, codes.Internal},
		{fsy.ErrUnreachable, codes.Unavailable},
	}
	for _, tt := range tests {
		st := status.Convert(toStatus(fmt.Errorf("wrapped: %w", tt.err)))
		assert.Equal(t, tt.code, st.Code(), "code for %v", tt.err)
		assert.ErrorIs(t, fromStatus(st.Err()), tt.err)
	}

	assert.ErrorIs(t, fromStatus(status.Error(codes.DeadlineExceeded, "slow")), fsy.ErrUnreachable)
	assert.ErrorIs(t, fromStatus(errors.New("connection reset")), fsy.ErrUnreachable)
	assert.ErrorIs(t, fromStatus(status.Error(codes.Canceled, "gone")), context.Canceled)
	assert.Equal(t, io.EOF, fromStatus(io.EOF))
	assert.Nil(t, fromStatus(nil))
}

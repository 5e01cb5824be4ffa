package fsy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// applyRequest asks the loop tick to admit content into a group, either an
// inbound push or the reply to a pull this node sent.
type applyRequest struct {
	kind    TransferKind
	from    NodeID // set for pushes; authorization is decided on the tick
	trustee string // set for pulls; already authorized by config
	offer   Offer
	reply   chan applyAdmission
}

func (*applyRequest) eventName() string { return "apply-request" }

func (r *applyRequest) reject(err error) {
	select {
	case r.reply <- applyAdmission{err: err}:
	default:
	}
}

type applyAdmission struct {
	member  Member
	trustee string
	outcome Outcome
	lease   Lease // nil unless outcome is OutcomeApplied
	err     error
}

// serveRequest asks the loop tick whether to answer a peer's pull.
type serveRequest struct {
	from  NodeID
	req   PullRequest
	reply chan serveAdmission
}

func (*serveRequest) eventName() string { return "serve-request" }

func (r *serveRequest) reject(err error) {
	select {
	case r.reply <- serveAdmission{err: err}:
	default:
	}
}

type serveAdmission struct {
	group     *TargetGroup
	member    Member
	trustee   string
	unchanged bool
	offer     Offer
	err       error
}

// transferDone reports a finished transfer back to the loop tick.
type transferDone struct {
	transfer *Transfer
}

func (*transferDone) eventName() string { return "transfer-done" }

func (e *Engine) finish(tr *Transfer) {
	e.enqueue(&transferDone{transfer: tr})
}

// HandlePush admits and applies a payload pushed by an authenticated peer.
func (e *Engine) HandlePush(ctx context.Context, from NodeID, offer Offer, body io.Reader) (Outcome, error) {
	tr := NewTransfer(e.ids.New(), offer.Group, "", KindPush, Inbound, e.clock.Now())
	tr.Version = offer.Version()

	adm, err := e.admit(ctx, &applyRequest{kind: KindPush, from: from, offer: offer})
	if err != nil {
		return "", err
	}
	tr.Trustee = adm.trustee
	tr.Path = adm.member.Path
	return e.apply(tr, adm, body)
}

// HandlePull answers a peer's pull with the current content, or unchanged.
// The caller must close the reply body.
func (e *Engine) HandlePull(ctx context.Context, from NodeID, req PullRequest) (*PullReply, error) {
	sreq := &serveRequest{from: from, req: req, reply: make(chan serveAdmission, 1)}
	e.enqueue(sreq)

	var adm serveAdmission
	select {
	case adm = <-sreq.reply:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for admission: %w", ctx.Err())
	case <-e.done:
		return nil, fmt.Errorf("engine stopped: %w", ErrUnreachable)
	}
	if adm.err != nil {
		return nil, adm.err
	}
	if adm.unchanged {
		return &PullReply{Unchanged: true}, nil
	}

	tr := NewTransfer(e.ids.New(), adm.group.Name, adm.trustee, KindPull, Outbound, e.clock.Now())
	tr.Path = adm.member.Path
	tr.Version = adm.offer.Version()
	if err := tr.Advance(TransferHandshaking); err != nil {
		return nil, err
	}

	body, err := e.sealedReader(adm.group.MemberPath(adm.member.Path), from, adm.offer.Hash)
	if err != nil {
		tr.Fail(err, e.clock.Now())
		e.finish(tr)
		return nil, err
	}
	return &PullReply{
		Offer: adm.offer,
		Body:  &servedBody{progress: progressReader{r: body, tr: tr}, body: body, e: e},
	}, nil
}

// admit queues req for the loop tick and waits for its decision. If the
// caller gives up first, a lease granted later is aborted.
func (e *Engine) admit(ctx context.Context, req *applyRequest) (applyAdmission, error) {
	req.reply = make(chan applyAdmission, 1)
	e.enqueue(req)

	select {
	case adm := <-req.reply:
		return adm, adm.err
	case <-ctx.Done():
		go e.abandon(req.reply)
		return applyAdmission{}, fmt.Errorf("waiting for admission: %w", ctx.Err())
	case <-e.done:
		return applyAdmission{}, fmt.Errorf("engine stopped: %w", ErrUnreachable)
	}
}

func (e *Engine) abandon(reply <-chan applyAdmission) {
	select {
	case adm := <-reply:
		if adm.lease != nil {
			adm.lease.Abort(errors.New("requester went away"))
		}
	case <-e.done:
	}
}

// admitApply runs on the loop tick.
func (e *Engine) admitApply(req *applyRequest) {
	adm, err := e.decideApply(req)
	if err != nil {
		attrs := []any{"member", req.offer.Member(), "kind", req.kind, "from", req.from, "error", err}
		if errors.Is(err, ErrTransferInProgress) {
			e.logger.Debug("apply deferred", attrs...)
		} else {
			e.logger.Warn("apply rejected", attrs...)
		}
		adm = applyAdmission{err: err}
	}
	req.reply <- adm
}

// decideApply checks, in order: the member exists, the sender may write to
// its group, the content is new, the content wins last-writer-wins, and the
// member's lock is free.
func (e *Engine) decideApply(req *applyRequest) (applyAdmission, error) {
	g, err := e.registry.FindByName(req.offer.Group)
	if err != nil {
		return applyAdmission{}, err
	}
	m, err := e.memberOf(g, req.offer.Path)
	if err != nil {
		return applyAdmission{}, err
	}

	trustee := req.trustee
	if req.kind == KindPush {
		names := e.trust.NamesFor(req.from)
		if len(names) == 0 {
			return applyAdmission{}, fmt.Errorf("push from node %s: %w", req.from, ErrUnknownTrustee)
		}
		name, ok := g.inboundFrom(names)
		if !ok {
			return applyAdmission{}, fmt.Errorf("group %q does not accept changes from %s: %w", g.Name, strings.Join(names, ", "), ErrUnauthorized)
		}
		trustee = name
	}

	adm := applyAdmission{member: m, trustee: trustee}
	cur := e.versions[m]
	if req.offer.Hash == cur.Hash || e.locks.AppliedRecently(m, req.offer.Hash) {
		adm.outcome = OutcomeUnchanged
		return adm, nil
	}
	if !req.offer.Version().Supersedes(cur) {
		adm.outcome = OutcomeStale
		return adm, nil
	}

	lease, err := e.locks.Acquire(m, g.MemberPath(m.Path))
	if err != nil {
		return applyAdmission{}, err
	}
	adm.lease = lease
	adm.outcome = OutcomeApplied
	return adm, nil
}

// memberOf resolves an offered member path against g. File groups only have
// the empty path; directory groups never do, and refuse paths their ignore
// file excludes.
func (e *Engine) memberOf(g *TargetGroup, p string) (Member, error) {
	rel, err := CleanMemberPath(p)
	if err != nil {
		return Member{}, err
	}
	if e.dirs[g.Name] != (rel != "") {
		return Member{}, fmt.Errorf("group %q has no member %q: %w", g.Name, p, ErrNotFound)
	}
	if rel != "" && len(e.synced(g, "", []string{rel})) == 0 {
		return Member{}, fmt.Errorf("group %q ignores %q: %w", g.Name, rel, ErrNotFound)
	}
	return Member{Group: g.Name, Path: rel}, nil
}

// admitServe runs on the loop tick.
func (e *Engine) admitServe(req *serveRequest) {
	adm, err := e.decideServe(req)
	if err != nil {
		attrs := []any{"group", req.req.Group, "from", req.from, "error", err}
		if errors.Is(err, ErrTransferInProgress) {
			e.logger.Debug("pull deferred", attrs...)
		} else {
			e.logger.Warn("pull rejected", attrs...)
		}
		adm = serveAdmission{err: err}
	}
	req.reply <- adm
}

// decideServe picks the first member, by path, whose content the
// requester does not have. Members being written are skipped.
func (e *Engine) decideServe(req *serveRequest) (serveAdmission, error) {
	g, err := e.registry.FindByName(req.req.Group)
	if err != nil {
		return serveAdmission{}, err
	}
	names := e.trust.NamesFor(req.from)
	if len(names) == 0 {
		return serveAdmission{}, fmt.Errorf("pull from node %s: %w", req.from, ErrUnknownTrustee)
	}
	name, ok := g.outboundTo(names)
	if !ok {
		return serveAdmission{}, fmt.Errorf("group %q does not send to %s: %w", g.Name, strings.Join(names, ", "), ErrUnauthorized)
	}

	adm := serveAdmission{group: g, trustee: name}
	busy := false
	for _, m := range e.members(g.Name) {
		cur := e.versions[m]
		if cur.IsZero() || req.req.Known[m.Path] == cur.Hash {
			continue
		}
		if e.locks.Busy(m) {
			busy = true
			continue
		}
		adm.member = m
		adm.offer = Offer{Group: g.Name, Path: m.Path, Hash: cur.Hash, Timestamp: cur.Timestamp}
		return adm, nil
	}
	if busy {
		return serveAdmission{}, fmt.Errorf("group %q is applying: %w", g.Name, ErrTransferInProgress)
	}
	adm.unchanged = true
	return adm, nil
}

// apply finishes an admitted transfer: no-op outcomes complete at once,
// otherwise the payload is opened, streamed into the lease and committed.
func (e *Engine) apply(tr *Transfer, adm applyAdmission, body io.Reader) (Outcome, error) {
	if adm.lease == nil {
		if err := tr.Complete(adm.outcome, e.clock.Now()); err != nil {
			tr.Fail(err, e.clock.Now())
		}
		e.finish(tr)
		return adm.outcome, nil
	}

	if err := e.receive(tr, adm.lease, body); err != nil {
		tr.Fail(err, e.clock.Now())
		e.finish(tr)
		return "", err
	}
	if err := tr.Complete(OutcomeApplied, e.clock.Now()); err != nil {
		tr.Fail(err, e.clock.Now())
	}
	e.finish(tr)
	return OutcomeApplied, nil
}

func (e *Engine) receive(tr *Transfer, lease Lease, body io.Reader) error {
	if err := tr.Advance(TransferReceiving); err != nil {
		lease.Abort(err)
		return err
	}
	plain, err := e.sealer.Open(body)
	if err != nil {
		lease.Abort(err)
		return fmt.Errorf("opening payload: %w: %w", ErrApplyFailed, err)
	}
	if _, err := lease.Receive(plain); err != nil {
		return err
	}
	if err := tr.Advance(TransferApplying); err != nil {
		lease.Abort(err)
		return err
	}
	return lease.Commit(tr.Version.Hash)
}

func (e *Engine) startPush(ctx context.Context, g *TargetGroup, m Member, t Target, v Version) {
	tr := NewTransfer(e.ids.New(), g.Name, t.TrusteeName, KindPush, Outbound, e.clock.Now())
	tr.Path = m.Path
	tr.Version = v

	to, err := e.trust.Trustee(t.TrusteeName)
	if err != nil {
		tr.Fail(err, e.clock.Now())
		e.onTransferDone(tr)
		return
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		outcome, err := e.push(ctx, g, to, tr)
		if err != nil {
			tr.Fail(err, e.clock.Now())
		} else if err := completeOutbound(tr, outcome, e.clock); err != nil {
			tr.Fail(err, e.clock.Now())
		}
		e.finish(tr)
	}()
}

// retryPolicy doubles the wait after each unreachable attempt, up to
// RetryAttempts attempts per push tick.
func (e *Engine) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.cfg.RetryBackoff),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(e.clock),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(e.cfg.RetryAttempts-1)), ctx)
}

// push retries only ErrUnreachable. Any other failure, including a busy
// peer, ends the attempt at once.
func (e *Engine) push(ctx context.Context, g *TargetGroup, to Trustee, tr *Transfer) (Outcome, error) {
	if err := tr.Advance(TransferHandshaking); err != nil {
		return "", err
	}

	var outcome Outcome
	attempt := func() error {
		if tr.Attempts > 0 {
			if err := tr.Retry(); err != nil {
				return backoff.Permanent(err)
			}
		}
		tr.Attempts++

		var err error
		outcome, err = e.pushOnce(ctx, g, to, tr)
		if err != nil && !errors.Is(err, ErrUnreachable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Debug("push attempt failed", "member", tr.Member(), "trustee", to.Name, "attempt", tr.Attempts, "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotifyWithTimer(attempt, e.retryPolicy(ctx), notify, &backoffTimer{clock: e.clock}); err != nil {
		return "", err
	}
	return outcome, nil
}

func (e *Engine) pushOnce(ctx context.Context, g *TargetGroup, to Trustee, tr *Transfer) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := e.sealedReader(g.MemberPath(tr.Path), to.NodeID, tr.Version.Hash)
	if err != nil {
		return "", err
	}
	defer body.Close()

	offer := Offer{Group: g.Name, Path: tr.Path, Hash: tr.Version.Hash, Timestamp: tr.Version.Timestamp}
	return e.peers.Push(ctx, to, offer, &progressReader{r: body, tr: tr})
}

// startPull polls one trustee for g. known is owned by the pull goroutine.
func (e *Engine) startPull(ctx context.Context, g *TargetGroup, t Target, known map[string]string) {
	to, err := e.trust.Trustee(t.TrusteeName)
	if err != nil {
		tr := NewTransfer(e.ids.New(), g.Name, t.TrusteeName, KindPull, Inbound, e.clock.Now())
		tr.Fail(err, e.clock.Now())
		e.onTransferDone(tr)
		return
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		for e.pull(ctx, g, to, known) {
		}
	}()
}

// pull runs one exchange: the peer answers with one member it has and this
// node lacks, or with unchanged. It reports whether to ask again.
func (e *Engine) pull(ctx context.Context, g *TargetGroup, to Trustee, known map[string]string) bool {
	tr := NewTransfer(e.ids.New(), g.Name, to.Name, KindPull, Inbound, e.clock.Now())
	fail := func(err error) bool {
		tr.Fail(err, e.clock.Now())
		e.finish(tr)
		return false
	}

	if err := tr.Advance(TransferHandshaking); err != nil {
		return fail(err)
	}
	reply, err := e.peers.Pull(ctx, to, PullRequest{Group: g.Name, Known: maps.Clone(known)})
	if err != nil {
		return fail(err)
	}
	if reply.Unchanged {
		if err := tr.Complete(OutcomeUnchanged, e.clock.Now()); err != nil {
			return fail(err)
		}
		e.finish(tr)
		return false
	}
	defer reply.Body.Close()

	tr.Path = reply.Offer.Path
	tr.Version = reply.Offer.Version()
	if reply.Offer.Group != g.Name {
		return fail(fmt.Errorf("pull for %q answered for %q", g.Name, reply.Offer.Group))
	}
	if prev, ok := known[reply.Offer.Path]; ok && prev == reply.Offer.Hash {
		return fail(fmt.Errorf("peer offered %s again", reply.Offer.Member()))
	}

	adm, err := e.admit(ctx, &applyRequest{kind: KindPull, trustee: to.Name, offer: reply.Offer})
	if err != nil {
		return fail(err)
	}
	tr.Path = adm.member.Path
	if _, err := e.apply(tr, adm, reply.Body); err != nil {
		return false
	}
	known[reply.Offer.Path] = reply.Offer.Hash
	return ctx.Err() == nil
}

// sealedReader streams the file at path sealed to the peer. The stream
// fails with ErrIntegrityMismatch if the file no longer hashes to hash.
func (e *Engine) sealedReader(path string, to NodeID, hash string) (io.ReadCloser, error) {
	f, err := e.fsmgr.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer f.Close()
		pw.CloseWithError(e.seal(pw, f, to, hash))
	}()
	return pr, nil
}

func (e *Engine) seal(w io.Writer, src io.Reader, to NodeID, hash string) error {
	sw, err := e.sealer.Seal(w, to)
	if err != nil {
		return fmt.Errorf("sealing for %s: %w", to, err)
	}

	h := sha256.New()
	if _, err := io.Copy(sw, io.TeeReader(src, h)); err != nil {
		return fmt.Errorf("sealing payload: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		return fmt.Errorf("file changed while sending (hashed %s, offered %s): %w", short(got), short(hash), ErrIntegrityMismatch)
	}
	return sw.Close()
}

// completeOutbound walks an outbound transfer through the states the peer
// skipped by answering early, then completes it.
func completeOutbound(tr *Transfer, outcome Outcome, clock Clock) error {
	for _, s := range []TransferState{TransferTransmitting, TransferAwaitingAck} {
		if tr.State < s {
			if err := tr.Advance(s); err != nil {
				return err
			}
		}
	}
	return tr.Complete(outcome, clock.Now())
}

// progressReader advances an outbound transfer as its payload is consumed.
type progressReader struct {
	r  io.Reader
	tr *Transfer
}

func (p *progressReader) Read(b []byte) (int, error) {
	if p.tr.State == TransferHandshaking {
		_ = p.tr.Advance(TransferTransmitting)
	}
	n, err := p.r.Read(b)
	if err == io.EOF && p.tr.State == TransferTransmitting {
		_ = p.tr.Advance(TransferAwaitingAck)
	}
	return n, err
}

// servedBody is the payload of a pull this node answers. Closing it
// finishes the transfer: complete if the peer read to the end.
type servedBody struct {
	progress progressReader
	body     io.ReadCloser
	e        *Engine
	once     sync.Once
}

func (b *servedBody) Read(p []byte) (int, error) { return b.progress.Read(p) }

func (b *servedBody) Close() error {
	err := b.body.Close()
	b.once.Do(func() {
		tr := b.progress.tr
		if tr.State == TransferAwaitingAck {
			if cerr := tr.Complete(OutcomeSent, b.e.clock.Now()); cerr != nil {
				tr.Fail(cerr, b.e.clock.Now())
			}
		} else {
			tr.Fail(errors.New("peer stopped reading before the end of the payload"), b.e.clock.Now())
		}
		b.e.finish(tr)
	})
	return err
}

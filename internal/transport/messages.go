package transport

import (
	"time"

	"fsy-go/internal/fsy"
)

// chunkSize is the payload carried by one frame.
const chunkSize = 32 * 1024

type offerMsg struct {
	Group     string `json:"group"`
	Path      string `json:"path,omitempty"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"` // unix nanoseconds
}

func newOfferMsg(o fsy.Offer) *offerMsg {
	return &offerMsg{Group: o.Group, Path: o.Path, Hash: o.Hash, Timestamp: o.Timestamp.UnixNano()}
}

func (m *offerMsg) offer() fsy.Offer {
	return fsy.Offer{Group: m.Group, Path: m.Path, Hash: m.Hash, Timestamp: time.Unix(0, m.Timestamp).UTC()}
}

// pushFrame is one client message of a Push stream. The first frame
// carries the offer, the rest carry payload chunks.
type pushFrame struct {
	Offer *offerMsg `json:"offer,omitempty"`
	Chunk []byte    `json:"chunk,omitempty"`
}

type pushReply struct {
	Outcome string `json:"outcome"`
}

// pullRequestMsg lists the hashes the puller already holds, keyed by
// member path.
type pullRequestMsg struct {
	Group string            `json:"group"`
	Known map[string]string `json:"known,omitempty"`
}

type pullHeader struct {
	Unchanged bool      `json:"unchanged,omitempty"`
	Offer     *offerMsg `json:"offer,omitempty"`
}

// pullFrame is one server message of a Pull stream. The first frame
// carries the header, the rest carry payload chunks.
type pullFrame struct {
	Header *pullHeader `json:"header,omitempty"`
	Chunk  []byte      `json:"chunk,omitempty"`
}

// frameReader turns a stream of chunk frames into an io.Reader.
type frameReader struct {
	recv   func() ([]byte, error)
	mapErr func(error) error
	buf    []byte
	err    error
}

func (r *frameReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk, err := r.recv()
		if err != nil {
			r.err = r.mapErr(err)
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

package encryption

import (
	"bytes"
	"io"
	"testing"

	"fsy-go/internal/config"
	"fsy-go/internal/fsy"
)

func newTestIdentity(t *testing.T) *fsy.NodeIdentity {
	t.Helper()
	id, err := fsy.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	return id
}

func seal(t *testing.T, s fsy.Sealer, to fsy.NodeID, plain []byte) []byte {
	t.Helper()
	var sealed bytes.Buffer
	w, err := s.Seal(&sealed, to)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := w.Write(plain); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return sealed.Bytes()
}

func TestAgeSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "binary data", input: []byte{0x00, 0xff, 0x01, 0xfe}},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 100000)},
	}

	sender, receiver := newTestIdentity(t), newTestIdentity(t)

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := NewAgeSealer(sender)
			if err != nil {
				t.Fatalf("NewAgeSealer() error = %v", err)
			}
			in, err := NewAgeSealer(receiver)
			if err != nil {
				t.Fatalf("NewAgeSealer() error = %v", err)
			}

			sealed := seal(t, out, receiver.NodeID, tt.input)
			if len(tt.input) > 0 && bytes.Contains(sealed, tt.input) {
				t.Error("sealed output contains the plaintext")
			}

			r, err := in.Open(bytes.NewReader(sealed))
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(got, tt.input) {
				t.Errorf("round-trip failed: got %d bytes, want %d bytes", len(got), len(tt.input))
			}
		})
	}
}

func TestAgeSealer_WrongRecipient(t *testing.T) {
	t.Parallel()

	sender, receiver, other := newTestIdentity(t), newTestIdentity(t), newTestIdentity(t)
	out, _ := NewAgeSealer(sender)
	eavesdropper, _ := NewAgeSealer(other)

	sealed := seal(t, out, receiver.NodeID, []byte("secret"))

	if _, err := eavesdropper.Open(bytes.NewReader(sealed)); err == nil {
		t.Error("Open() by a node the payload was not sealed to should return error")
	}
}

func TestAgeSealer_TamperedPayload(t *testing.T) {
	t.Parallel()

	sender, receiver := newTestIdentity(t), newTestIdentity(t)
	out, _ := NewAgeSealer(sender)
	in, _ := NewAgeSealer(receiver)

	sealed := seal(t, out, receiver.NodeID, bytes.Repeat([]byte("x"), 4096))
	sealed[len(sealed)-10] ^= 0xff

	r, err := in.Open(bytes.NewReader(sealed))
	if err != nil {
		return
	}
	if _, err := io.ReadAll(r); err == nil {
		t.Error("reading a tampered payload should return error")
	}
}

func TestAgeSealer_InvalidNodeID(t *testing.T) {
	t.Parallel()

	s, _ := NewAgeSealer(newTestIdentity(t))
	var buf bytes.Buffer
	if _, err := s.Seal(&buf, fsy.NodeID("not-a-node")); err == nil {
		t.Error("Seal() to an invalid node id should return error")
	}
}

func TestTestSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	s := NewTestSealer()
	input := []byte("hello world")

	sealed := seal(t, s, "", input)
	if bytes.Equal(sealed, input) {
		t.Error("sealed output is identical to plaintext")
	}

	r, err := s.Open(bytes.NewReader(sealed))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, _ := io.ReadAll(r)
	if !bytes.Equal(got, input) {
		t.Errorf("round-trip = %q, want %q", got, input)
	}
}

func TestTestSealer_InvalidHeader(t *testing.T) {
	t.Parallel()

	if _, err := NewTestSealer().Open(bytes.NewReader([]byte("plain bytes"))); err == nil {
		t.Error("Open() without header should return error")
	}
}

func TestNewSealerFromConfig(t *testing.T) {
	t.Parallel()

	id := newTestIdentity(t)
	tests := []struct {
		typ     string
		want    string
		wantErr bool
	}{
		{typ: "", want: "age"},
		{typ: "age", want: "age"},
		{typ: "test", want: "test"},
		{typ: "rot13", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		s, err := NewSealerFromConfig(config.EncryptionConfig{Type: tt.typ}, id)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewSealerFromConfig(%q) error = nil, want error", tt.typ)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewSealerFromConfig(%q) error = %v", tt.typ, err)
		}
		switch s.(type) {
		case *AgeSealer:
			if tt.want != "age" {
				t.Errorf("NewSealerFromConfig(%q) = %T", tt.typ, s)
			}
		case *TestSealer:
			if tt.want != "test" {
				t.Errorf("NewSealerFromConfig(%q) = %T", tt.typ, s)
			}
		}
	}
}

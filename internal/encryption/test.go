package encryption

import (
	"bytes"
	"fmt"
	"io"

	"fsy-go/internal/fsy"
)

// testHeader is prepended to payloads by TestSealer so sealed output is
// clearly different from plaintext while staying deterministic.
var testHeader = []byte("FSYENC\x00\x00")

// TestSealer is a simple, deterministic sealer for testing. It prepends a
// fixed 8-byte header when sealing and strips it when opening. It performs
// no cryptography and ignores the recipient.
type TestSealer struct{}

var _ fsy.Sealer = (*TestSealer)(nil)

// NewTestSealer creates a new TestSealer.
func NewTestSealer() *TestSealer {
	return &TestSealer{}
}

func (s *TestSealer) Seal(dst io.Writer, to fsy.NodeID) (io.WriteCloser, error) {
	if _, err := dst.Write(testHeader); err != nil {
		return nil, fmt.Errorf("writing test header: %w", err)
	}
	return nopWriteCloser{dst}, nil
}

func (s *TestSealer) Open(src io.Reader) (io.Reader, error) {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testHeader) {
		return nil, fmt.Errorf("invalid test encryption header")
	}
	return src, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

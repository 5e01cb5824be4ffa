package fsy

import "io"

// Sealer encrypts payloads for one peer and decrypts payloads addressed to
// the local node.
type Sealer interface {
	// Seal returns a writer whose plaintext is encrypted to the node's key
	// and written to dst. Close flushes the final chunk.
	Seal(dst io.Writer, to NodeID) (io.WriteCloser, error)

	// Open returns the plaintext of a payload sealed to the local node.
	Open(src io.Reader) (io.Reader, error)
}

package encryption

import (
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/agessh"
	"golang.org/x/crypto/ssh"

	"fsy-go/internal/fsy"
)

// AgeSealer implements fsy.Sealer using filippo.io/age. Node keys are
// ed25519, so payloads are sealed with age's ssh-ed25519 recipient type: the
// recipient is derived from the peer's node id and the local identity from
// the node's own secret key. No extra key material is stored.
type AgeSealer struct {
	identity *agessh.Ed25519Identity
}

var _ fsy.Sealer = (*AgeSealer)(nil)

// NewAgeSealer creates a sealer that opens payloads addressed to id.
func NewAgeSealer(id *fsy.NodeIdentity) (*AgeSealer, error) {
	identity, err := agessh.NewEd25519Identity(id.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("creating age identity: %w", err)
	}
	return &AgeSealer{identity: identity}, nil
}

// Seal returns a writer that encrypts to the node named by to.
func (s *AgeSealer) Seal(dst io.Writer, to fsy.NodeID) (io.WriteCloser, error) {
	recipient, err := recipientFor(to)
	if err != nil {
		return nil, err
	}
	w, err := age.Encrypt(dst, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	return w, nil
}

// Open decrypts a payload sealed to the local node. Authentication failures
// surface from the returned reader, not only from Open.
func (s *AgeSealer) Open(src io.Reader) (io.Reader, error) {
	r, err := age.Decrypt(src, s.identity)
	if err != nil {
		return nil, fmt.Errorf("creating decrypted reader: %w", err)
	}
	return r, nil
}

func recipientFor(id fsy.NodeID) (age.Recipient, error) {
	pub, err := id.PublicKey()
	if err != nil {
		return nil, err
	}
	sshKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("converting key for %s: %w", id, err)
	}
	recipient, err := agessh.NewEd25519Recipient(sshKey)
	if err != nil {
		return nil, fmt.Errorf("creating age recipient for %s: %w", id, err)
	}
	return recipient, nil
}

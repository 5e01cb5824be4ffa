package fsy

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"strings"
)

// NodeID identifies a node on the peer network. It is the lowercase,
// unpadded base32 encoding of the node's ed25519 public key, so it is stable
// for as long as the keypair is.
type NodeID string

var nodeIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NodeIDFromPublicKey derives the node id for an ed25519 public key.
func NodeIDFromPublicKey(pub ed25519.PublicKey) NodeID {
	return NodeID(strings.ToLower(nodeIDEncoding.EncodeToString(pub)))
}

func (id NodeID) String() string { return string(id) }

// PublicKey decodes the ed25519 public key the id was derived from.
func (id NodeID) PublicKey() (ed25519.PublicKey, error) {
	raw, err := nodeIDEncoding.DecodeString(strings.ToUpper(string(id)))
	if err != nil {
		return nil, fmt.Errorf("decoding node id %q: %w", id, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("node id %q: want %d key bytes, got %d", id, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// NodeIdentity is the local keypair. SecretKey never leaves this process.
type NodeIdentity struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
	NodeID    NodeID
}

// GenerateIdentity creates a fresh ed25519 keypair. Used on first run.
func GenerateIdentity() (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &NodeIdentity{PublicKey: pub, SecretKey: priv, NodeID: NodeIDFromPublicKey(pub)}, nil
}

// ParseIdentity rebuilds the identity from the base64 strings stored in the
// config file. The secret key is the 32-byte ed25519 seed.
func ParseIdentity(publicKey, secretKey string) (*NodeIdentity, error) {
	seed, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("decoding secret_key: %v: %w", err, ErrConfigInvalid)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("secret_key must be %d bytes, got %d: %w", ed25519.SeedSize, len(seed), ErrConfigInvalid)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	if publicKey != "" {
		declared, err := base64.StdEncoding.DecodeString(publicKey)
		if err != nil {
			return nil, fmt.Errorf("decoding public_key: %v: %w", err, ErrConfigInvalid)
		}
		if !bytes.Equal(declared, pub) {
			return nil, fmt.Errorf("public_key does not match secret_key: %w", ErrConfigInvalid)
		}
	}

	return &NodeIdentity{PublicKey: pub, SecretKey: priv, NodeID: NodeIDFromPublicKey(pub)}, nil
}

// EncodedPublicKey returns the public key as stored in the config file.
func (n *NodeIdentity) EncodedPublicKey() string {
	return base64.StdEncoding.EncodeToString(n.PublicKey)
}

// EncodedSecretKey returns the ed25519 seed as stored in the config file.
func (n *NodeIdentity) EncodedSecretKey() string {
	return base64.StdEncoding.EncodeToString(n.SecretKey.Seed())
}

// Trustee is a locally named remote node this node exchanges data with.
// Address is where the peer listens; there is no discovery.
type Trustee struct {
	Name    string
	NodeID  NodeID
	Address string
}

// TrustStore is the immutable trustee lookup table built at startup.
type TrustStore struct {
	local  *NodeIdentity
	byName map[string]Trustee
	order  []string
}

// NewTrustStore validates the trustees and indexes them by name.
func NewTrustStore(local *NodeIdentity, trustees []Trustee) (*TrustStore, error) {
	if local == nil {
		return nil, fmt.Errorf("local identity required: %w", ErrConfigInvalid)
	}

	s := &TrustStore{local: local, byName: make(map[string]Trustee, len(trustees))}
	for _, t := range trustees {
		if t.Name == "" {
			return nil, fmt.Errorf("trustee with node id %q has no name: %w", t.NodeID, ErrConfigInvalid)
		}
		if _, dup := s.byName[t.Name]; dup {
			return nil, fmt.Errorf("duplicate trustee name %q: %w", t.Name, ErrConfigInvalid)
		}
		if _, err := t.NodeID.PublicKey(); err != nil {
			return nil, fmt.Errorf("trustee %q: %v: %w", t.Name, err, ErrConfigInvalid)
		}
		s.byName[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return s, nil
}

// LocalIdentity returns the local keypair and node id.
func (s *TrustStore) LocalIdentity() *NodeIdentity { return s.local }

// Resolve maps a trustee name to its node id.
func (s *TrustStore) Resolve(name string) (NodeID, error) {
	t, err := s.Trustee(name)
	if err != nil {
		return "", err
	}
	return t.NodeID, nil
}

// Trustee returns the full trustee entry for name.
func (s *TrustStore) Trustee(name string) (Trustee, error) {
	t, ok := s.byName[name]
	if !ok {
		return Trustee{}, fmt.Errorf("trustee %q: %w", name, ErrUnknownTrustee)
	}
	return t, nil
}

// NamesFor returns every trustee name that references id, in config order.
func (s *TrustStore) NamesFor(id NodeID) []string {
	var names []string
	for _, name := range s.order {
		if s.byName[name].NodeID == id {
			names = append(names, name)
		}
	}
	return names
}

// Trustees returns all trustees in config order.
func (s *TrustStore) Trustees() []Trustee {
	out := make([]Trustee, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

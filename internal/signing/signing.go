package signing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/group/edwards25519"
	"go.dedis.ch/kyber/v4/sign/schnorr"

	"github.com/witnz/quorum/internal/types"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

var (
	ErrUnknownSigner = errors.New("unknown signer")
	ErrBadSignature  = errors.New("invalid signature")
)

const SeedSize = 32

// Signer signs consensus messages with a Schnorr key over Ed25519.
type Signer struct {
	id      types.NodeID
	private kyber.Scalar
	public  kyber.Point
}

// NewSigner derives a key pair from seed. The same seed always yields the
// same key.
func NewSigner(id types.NodeID, seed []byte) (*Signer, error) {
	if len(seed) < SeedSize {
		return nil, fmt.Errorf("seed too short: need %d bytes, got %d", SeedSize, len(seed))
	}
	private := suite.Scalar().Pick(suite.XOF(seed))
	return &Signer{
		id:      id,
		private: private,
		public:  suite.Point().Mul(private, nil),
	}, nil
}

func (s *Signer) ID() types.NodeID {
	return s.id
}

func (s *Signer) Public() kyber.Point {
	return s.public
}

func (s *Signer) Sign(msg []byte) ([]byte, error) {
	sig, err := schnorr.Sign(suite, s.private, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	return seed, nil
}

// DevSeed derives a seed from a member name. It is only meant for local
// clusters and simulations where every key is known to everyone.
func DevSeed(name string) []byte {
	sum := sha256.Sum256([]byte("quorum-dev-key:" + name))
	return sum[:]
}

func EncodePublicKey(p kyber.Point) (string, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func DecodePublicKey(s string) (kyber.Point, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return p, nil
}

// KeyRing holds the public keys of every cluster member.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[types.NodeID]kyber.Point
}

func NewKeyRing() *KeyRing {
	return &KeyRing{
		keys: make(map[types.NodeID]kyber.Point),
	}
}

func (k *KeyRing) Add(id types.NodeID, public kyber.Point) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = public
}

func (k *KeyRing) AddEncoded(id types.NodeID, encoded string) error {
	p, err := DecodePublicKey(encoded)
	if err != nil {
		return fmt.Errorf("member %s: %w", id.Short(), err)
	}
	k.Add(id, p)
	return nil
}

func (k *KeyRing) Has(id types.NodeID) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[id]
	return ok
}

func (k *KeyRing) Verify(id types.NodeID, msg, sig []byte) error {
	k.mu.RLock()
	public, ok := k.keys[id]
	k.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSigner, id.Short())
	}
	if err := schnorr.Verify(suite, public, msg, sig); err != nil {
		return fmt.Errorf("%w from %s: %v", ErrBadSignature, id.Short(), err)
	}
	return nil
}

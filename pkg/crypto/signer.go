// Package crypto signs and verifies gate verdicts.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Signature algorithm prefixes. A signature string is
// "<alg>:<key id>:<hex signature>".
const (
	AlgEd25519    = "ed25519"
	AlgHMACSHA256 = "hmac-sha256"
	sigSeparator  = ":"
)

// HKDF info labels keep the two key types independent when they are derived
// from the same seed.
const (
	infoEd25519 = "helm-gate/verdict-signing/ed25519"
	infoHMAC    = "helm-gate/verdict-signing/hmac-sha256"
	kdfSalt     = "helm-gate-kdf"
)

var (
	ErrEmptySeed         = errors.New("signing key seed is empty")
	ErrMalformedSig      = errors.New("malformed signature")
	ErrUnknownAlgorithm  = errors.New("unknown signature algorithm")
	ErrKeyMismatch       = errors.New("signature key id does not match verifier")
	ErrSignatureMismatch = errors.New("signature does not match data")
)

// Signer produces an opaque signature string over data.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
}

// Verifier checks a signature string produced by the matching Signer.
type Verifier interface {
	Verify(data []byte, signature string) error
	KeyID() string
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Signer generates a fresh random key.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromSeed derives a deterministic key from secret via HKDF.
func NewEd25519SignerFromSeed(keyID string, secret []byte) (*Ed25519Signer, error) {
	seed, err := deriveKey(secret, infoEd25519, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), keyID: keyID}, nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// PublicKeyHex returns the hex-encoded public key.
func (s *Ed25519Signer) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.priv, data)
	return format(AlgEd25519, s.keyID, sig), nil
}

// Verify checks a signature made by this key.
func (s *Ed25519Signer) Verify(data []byte, signature string) error {
	return NewEd25519Verifier(s.keyID, s.pub).Verify(data, signature)
}

// Ed25519Verifier holds only the public half.
type Ed25519Verifier struct {
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Verifier wraps a public key.
func NewEd25519Verifier(keyID string, pub ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{pub: pub, keyID: keyID}
}

// ParseEd25519Verifier decodes a hex public key.
func ParseEd25519Verifier(keyID, pubHex string) (*Ed25519Verifier, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	return NewEd25519Verifier(keyID, pub), nil
}

func (v *Ed25519Verifier) KeyID() string { return v.keyID }

func (v *Ed25519Verifier) Verify(data []byte, signature string) error {
	raw, err := parse(signature, AlgEd25519, v.keyID)
	if err != nil {
		return err
	}
	if !ed25519.Verify(v.pub, data, raw) {
		return ErrSignatureMismatch
	}
	return nil
}

// HMACSigner is a symmetric signer for single-party deployments where the
// gate and the audit verifier share SIGNING_KEY_SEED.
type HMACSigner struct {
	key   []byte
	keyID string
}

// NewHMACSigner derives a 32-byte MAC key from secret.
func NewHMACSigner(keyID string, secret []byte) (*HMACSigner, error) {
	key, err := deriveKey(secret, infoHMAC, sha256.Size)
	if err != nil {
		return nil, err
	}
	return &HMACSigner{key: key, keyID: keyID}, nil
}

func (s *HMACSigner) KeyID() string { return s.keyID }

func (s *HMACSigner) Sign(data []byte) (string, error) {
	return format(AlgHMACSHA256, s.keyID, s.mac(data)), nil
}

func (s *HMACSigner) Verify(data []byte, signature string) error {
	raw, err := parse(signature, AlgHMACSHA256, s.keyID)
	if err != nil {
		return err
	}
	if !hmac.Equal(raw, s.mac(data)) {
		return ErrSignatureMismatch
	}
	return nil
}

func (s *HMACSigner) mac(data []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(data)
	return m.Sum(nil)
}

func deriveKey(secret []byte, info string, n int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySeed
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(kdfSalt), []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	return out, nil
}

func format(alg, keyID string, sig []byte) string {
	return alg + sigSeparator + keyID + sigSeparator + hex.EncodeToString(sig)
}

// SplitSignature returns the algorithm, key id and hex body of a signature.
func SplitSignature(signature string) (alg, keyID, body string, err error) {
	first := strings.Index(signature, sigSeparator)
	last := strings.LastIndex(signature, sigSeparator)
	if first <= 0 || last == first || last == len(signature)-1 {
		return "", "", "", ErrMalformedSig
	}
	return signature[:first], signature[first+1 : last], signature[last+1:], nil
}

func parse(signature, wantAlg, wantKeyID string) ([]byte, error) {
	alg, keyID, body, err := SplitSignature(signature)
	if err != nil {
		return nil, err
	}
	if alg != wantAlg {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
	if keyID != wantKeyID {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrKeyMismatch, keyID, wantKeyID)
	}
	raw, err := hex.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSig, err)
	}
	return raw, nil
}

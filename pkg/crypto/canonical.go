package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
)

// ErrUnsigned is returned when verifying a verdict that carries no signature.
var ErrUnsigned = errors.New("verdict is unsigned")

// CanonicalVerdict returns the RFC 8785 canonical JSON of v with its signature
// cleared. The derived is_certifiable field is part of the signed bytes.
func CanonicalVerdict(v *contracts.Verdict) ([]byte, error) {
	if v == nil {
		return nil, errors.New("canonicalize: nil verdict")
	}
	unsigned := *v
	unsigned.Signature = ""
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal verdict: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// VerdictDigest is the hex SHA-256 of the canonical verdict.
func VerdictDigest(v *contracts.Verdict) (string, error) {
	b, err := CanonicalVerdict(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SignVerdict signs the canonical form of v and assigns the signature.
func SignVerdict(s Signer, v *contracts.Verdict) error {
	if s == nil {
		return errors.New("sign verdict: no signer configured")
	}
	data, err := CanonicalVerdict(v)
	if err != nil {
		return err
	}
	sig, err := s.Sign(data)
	if err != nil {
		return fmt.Errorf("sign verdict: %w", err)
	}
	return v.SetSignature(sig)
}

// VerifyVerdict checks v.Signature against the canonical form of v.
func VerifyVerdict(verifier Verifier, v *contracts.Verdict) error {
	if v == nil || v.Signature == "" {
		return ErrUnsigned
	}
	data, err := CanonicalVerdict(v)
	if err != nil {
		return err
	}
	return verifier.Verify(data, v.Signature)
}

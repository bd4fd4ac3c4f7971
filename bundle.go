package permgraph

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ============================================================================
// SIGNED RULE BUNDLES
// ============================================================================

// SignedRuleBundle carries a binary-encoded Config plus an ed25519 signature
// over its checksum, so embedders pulling rule updates over an untrusted
// channel can verify origin before loading.
type SignedRuleBundle struct {
	Config    []byte         `json:"config"` // binary wire format
	Signature string         `json:"signature"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func bundleDigest(encoded []byte) []byte {
	sum := sha256.Sum256(encoded)
	return sum[:]
}

// SignRuleBundle encodes cfg and signs its checksum with priv
func SignRuleBundle(priv ed25519.PrivateKey, cfg *Config) (*SignedRuleBundle, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	encoded, err := EncodeBinaryConfig(cfg)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, bundleDigest(encoded))
	return &SignedRuleBundle{
		Config:    encoded,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyRuleBundle checks the bundle signature against pub
func VerifyRuleBundle(pub ed25519.PublicKey, b *SignedRuleBundle) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, bundleDigest(b.Config), sig), nil
}

// OpenRuleBundle verifies and decodes the bundle's config
func OpenRuleBundle(pub ed25519.PublicKey, b *SignedRuleBundle) (*Config, error) {
	ok, err := VerifyRuleBundle(pub, b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("rule bundle signature verification failed")
	}
	return NewConfigLoader().LoadBinary(b.Config)
}

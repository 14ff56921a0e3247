package chain

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

// Signer produces provider signatures bound to a chain id.
type Signer interface {
	Sign(raw []byte, chainID string) ([]string, error)
	PublicKey() string
}

// KeySigner signs with the provider's secp256k1 key held in memory. The key
// is loaded once from its WIF encoding at construction.
type KeySigner struct {
	key       *ecdsa.PrivateKey
	publicKey string
}

// NewKeySigner decodes a WIF-encoded private key. publicKey is the provider's
// published key string, surfaced as the required signing key.
func NewKeySigner(wif, publicKey string) (*KeySigner, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, errors.New("provider public key is required")
	}
	key, err := decodeWIF(strings.TrimSpace(wif))
	if err != nil {
		return nil, fmt.Errorf("decode provider key: %w", err)
	}
	return &KeySigner{key: key, publicKey: publicKey}, nil
}

// PublicKey returns the provider's published key string.
func (s *KeySigner) PublicKey() string { return s.publicKey }

// Sign produces one compact recoverable signature over the chain digest:
// sha256(chainID || serialized transaction || 32 zero bytes).
func (s *KeySigner) Sign(raw []byte, chainID string) ([]string, error) {
	chainBytes, err := hex.DecodeString(strings.TrimSpace(chainID))
	if err != nil {
		return nil, fmt.Errorf("decode chain id: %w", err)
	}
	digest := signingDigest(chainBytes, raw)
	compact, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return []string{encodeSignature(compact)}, nil
}

func signingDigest(chainID, raw []byte) []byte {
	h := sha256.New()
	h.Write(chainID)
	h.Write(raw)
	h.Write(make([]byte, 32))
	return h.Sum(nil)
}

// decodeWIF unpacks the base58check private key encoding: a 0x80 version
// byte, 32 key bytes, and a double-sha256 checksum.
func decodeWIF(wif string) (*ecdsa.PrivateKey, error) {
	decoded := base58.Decode(wif)
	if len(decoded) != 37 {
		return nil, fmt.Errorf("unexpected WIF length %d", len(decoded))
	}
	if decoded[0] != 0x80 {
		return nil, fmt.Errorf("unexpected WIF version byte %#x", decoded[0])
	}
	payload, checksum := decoded[:33], decoded[33:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	for i := 0; i < 4; i++ {
		if checksum[i] != second[i] {
			return nil, errors.New("WIF checksum mismatch")
		}
	}
	return ethcrypto.ToECDSA(payload[1:])
}

// encodeSignature renders a 65-byte [R || S || recovery] compact signature in
// the chain's SIG_K1_ string form. The recovery byte moves to the front with
// the 27+4 offset the chain expects for compressed keys.
func encodeSignature(compact []byte) string {
	sig := make([]byte, 65)
	sig[0] = compact[64] + 27 + 4
	copy(sig[1:], compact[:64])

	h := ripemd160.New()
	h.Write(sig)
	h.Write([]byte("K1"))
	checksum := h.Sum(nil)[:4]

	return "SIG_K1_" + base58.Encode(append(sig, checksum...))
}

package crypto

import (
	"walletlink/go-backend/internal/codec"
)

// ParsePublicKey decodes a base58 X25519 public key as carried in request and
// callback query parameters.
func ParsePublicKey(text string) ([KeySize]byte, error) {
	var out [KeySize]byte
	raw, err := codec.DecodeBinary(text)
	if err != nil {
		return out, err
	}
	if len(raw) != KeySize || isZero(raw) {
		return out, ErrInvalidKey
	}
	copy(out[:], raw)
	return out, nil
}

// EncodePublicKey is the inverse of ParsePublicKey.
func EncodePublicKey(key [KeySize]byte) string {
	return codec.EncodeBinary(key[:])
}

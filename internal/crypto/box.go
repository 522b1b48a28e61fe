package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

const (
	KeySize   = 32
	NonceSize = 24
)

var (
	ErrInvalidKey       = errors.New("invalid key")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// randReader is swapped in tests to simulate entropy failures.
var randReader io.Reader = rand.Reader

// KeyPair is an X25519 keypair used for NaCl box key agreement.
type KeyPair struct {
	PublicKey [KeySize]byte
	SecretKey [KeySize]byte
}

// Wipe zeroes both halves of the keypair.
func (k *KeyPair) Wipe() {
	if k == nil {
		return
	}
	zero(k.SecretKey[:])
	zero(k.PublicKey[:])
}

func (k KeyPair) IsZero() bool {
	return isZero(k.SecretKey[:])
}

// SharedSecret is the precomputed box key for one session.
type SharedSecret struct {
	key [KeySize]byte
}

func (s SharedSecret) IsZero() bool {
	return isZero(s.key[:])
}

// Equal reports whether s and other hold the same key, in constant time.
func (s SharedSecret) Equal(other SharedSecret) bool {
	return subtle.ConstantTimeCompare(s.key[:], other.key[:]) == 1
}

func (s *SharedSecret) Wipe() {
	if s == nil {
		return
	}
	zero(s.key[:])
}

// Envelope is one sealed box. SenderPublicKey is only set on the establish response.
type Envelope struct {
	Nonce           [NonceSize]byte
	Ciphertext      []byte
	SenderPublicKey []byte
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(randReader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
	}
	kp := KeyPair{PublicKey: *pub, SecretKey: *priv}
	zero(priv[:])
	return kp, nil
}

// DeriveSharedSecret computes the key both parties arrive at from their own
// secret key and the other side's public key.
func DeriveSharedSecret(ownSecretKey, peerPublicKey []byte) (SharedSecret, error) {
	if len(ownSecretKey) != KeySize || len(peerPublicKey) != KeySize {
		return SharedSecret{}, ErrInvalidKey
	}
	if isZero(ownSecretKey) || isZero(peerPublicKey) {
		return SharedSecret{}, ErrInvalidKey
	}
	var s SharedSecret
	box.Precompute(&s.key, (*[KeySize]byte)(peerPublicKey), (*[KeySize]byte)(ownSecretKey))
	return s, nil
}

// Encrypt seals plaintext under s with a freshly drawn nonce. Callers can't
// supply a nonce.
func Encrypt(plaintext []byte, s SharedSecret) (Envelope, error) {
	if s.IsZero() {
		return Envelope{}, ErrInvalidKey
	}
	var env Envelope
	if _, err := io.ReadFull(randReader, env.Nonce[:]); err != nil {
		return Envelope{}, fmt.Errorf("read nonce: %w", err)
	}
	env.Ciphertext = box.SealAfterPrecomputation(nil, plaintext, &env.Nonce, &s.key)
	return env, nil
}

// Decrypt opens a box sealed under s. Authentication failure of any kind
// (tampered ciphertext, wrong key, wrong nonce) yields ErrDecryptionFailed.
func Decrypt(ciphertext, nonce []byte, s SharedSecret) ([]byte, error) {
	if s.IsZero() {
		return nil, ErrInvalidKey
	}
	if len(nonce) != NonceSize || len(ciphertext) < box.Overhead {
		return nil, ErrDecryptionFailed
	}
	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, (*[NonceSize]byte)(nonce), &s.key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

func isZero(b []byte) bool {
	return subtle.ConstantTimeCompare(b, make([]byte, len(b))) == 1
}

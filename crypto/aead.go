package crypto

import (
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// TagSize is the length of the authentication tag appended to every
// encrypted frame payload.
const TagSize = chacha20poly1305.Overhead

// ErrAuthFailure indicates a frame failed authentication: either the
// ciphertext was tampered with or it was sealed under different key
// material.
var ErrAuthFailure = errors.New("frame authentication failed")

// SealFrame encrypts plaintext under the given session key. The nonce
// is built from the key epoch and the frame sequence number; the caller
// guarantees a (key, epoch, sequence) triple is never reused. The frame
// header bytes are bound as associated data so a relay cannot splice a
// payload under a rewritten header.
func SealFrame(key [32]byte, epoch uint8, sequence uint64, header, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := frameNonce(epoch, sequence)
	return aead.Seal(nil, nonce[:], plaintext, header), nil
}

// OpenFrame decrypts and authenticates a frame payload sealed by
// SealFrame. Returns ErrAuthFailure when the tag does not verify.
func OpenFrame(key [32]byte, epoch uint8, sequence uint64, header, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := frameNonce(epoch, sequence)
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, header)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// frameNonce lays out the 12 byte ChaCha20-Poly1305 nonce as
// {epoch, 0, 0, 0, sequence big-endian}.
func frameNonce(epoch uint8, sequence uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	nonce[0] = epoch
	for i := 0; i < 8; i++ {
		nonce[4+i] = byte(sequence >> (56 - 8*i))
	}
	return nonce
}

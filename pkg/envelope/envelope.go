// Package envelope implements the AES-GCM-256 encryption envelope used by
// the hosted transfer engine's upload and download sessions; the direct
// transfer engine does not use it. The wire layout is fixed: 12-byte
// IV, ciphertext, 16-byte GCM tag, concatenated.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/dropgate/dropgate/internal/dropgateerrors"
)

// KeySize is the AES-256 key size in bytes.
const KeySize = 32

// IVSize is the GCM nonce size used for every envelope.
const IVSize = 12

// TagSize is the GCM authentication tag size.
const TagSize = 16

// Overhead is the per-chunk size increase introduced by encryption:
// IV + tag, 28 bytes.
const Overhead = IVSize + TagSize

// GenerateKey returns a fresh AES-256 key drawn from a CSPRNG. One key is
// generated per transfer and never sent to the server.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, dropgateerrors.Crypto("generating key: %v", err)
	}

	return key, nil
}

// Encrypt produces iv||ciphertext||tag for plaintext under key, with an
// empty AAD.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, dropgateerrors.Crypto("generating iv: %v", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)

	out := make([]byte, 0, len(iv)+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed...)

	return out, nil
}

// Decrypt splits blob into iv and ciphertext+tag and authenticates +
// decrypts it under key. Fails with a CryptoError when the key is wrong,
// the tag is invalid, or blob is shorter than IVSize+TagSize.
func Decrypt(blob, key []byte) ([]byte, error) {
	if len(blob) < IVSize+TagSize {
		return nil, dropgateerrors.Crypto("envelope too short: %d bytes", len(blob))
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv, ciphertext := blob[:IVSize], blob[IVSize:]

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, dropgateerrors.Crypto("decryption failed: %v", err)
	}

	return plaintext, nil
}

// EncryptFilename UTF-8 encodes name, encrypts it, and base64-encodes the
// resulting envelope, the wire form used as the declared name for
// encrypted uploads.
func EncryptFilename(name string, key []byte) (string, error) {
	blob, err := Encrypt([]byte(name), key)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptFilename reverses EncryptFilename.
func DecryptFilename(b64 string, key []byte) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", dropgateerrors.Crypto("invalid base64 filename envelope: %v", err)
	}

	plaintext, err := Decrypt(blob, key)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, dropgateerrors.Crypto("invalid key size: %d, want %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dropgateerrors.Crypto("constructing cipher: %v", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, dropgateerrors.Crypto("constructing gcm: %v", err)
	}

	return gcm, nil
}

// EncodeKey base64-encodes a key for embedding in a share URL fragment,
// which the browser never transmits to the server.
func EncodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(s string) ([]byte, error) {
	key, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, dropgateerrors.Crypto("invalid key encoding: %v", err)
	}

	if len(key) != KeySize {
		return nil, dropgateerrors.Crypto("invalid key size: %d, want %d", len(key), KeySize)
	}

	return key, nil
}

// ChunkSplitter iterates a concatenated stream of independently-encrypted
// chunks, each iv||ciphertext||tag, given the plaintext chunk size the
// sender used. Chunks are encrypted independently, so the envelope boundary
// follows directly from the sender's chunk size.
type ChunkSplitter struct {
	plainChunkSize int
}

// NewChunkSplitter returns a splitter for envelopes produced by chunking
// plaintext into plainChunkSize-byte pieces before encryption.
func NewChunkSplitter(plainChunkSize int) *ChunkSplitter {
	return &ChunkSplitter{plainChunkSize: plainChunkSize}
}

// EnvelopeSize returns the encrypted size of a plaintext chunk of n bytes.
func (s *ChunkSplitter) EnvelopeSize(n int) int {
	return n + Overhead
}

// Next extracts the next envelope from buf (which holds encryptedFileSize -
// bytesConsumed remaining bytes) and returns it along with the number of
// bytes consumed. The final chunk may be shorter than plainChunkSize.
func (s *ChunkSplitter) Next(buf []byte) ([]byte, int, error) {
	if len(buf) == 0 {
		return nil, 0, fmt.Errorf("envelope: no data remaining")
	}

	want := s.EnvelopeSize(s.plainChunkSize)
	if want > len(buf) {
		want = len(buf)
	}

	if want < Overhead {
		return nil, 0, dropgateerrors.Crypto("trailing envelope too short: %d bytes", want)
	}

	return buf[:want], want, nil
}

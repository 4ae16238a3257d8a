// Package p2p implements the Direct Transfer Engine: a sender/receiver
// pair exchanging framed protocol v2 messages over a reliable, in-order,
// checksum-verified data channel, coordinated through explicit
// finite-state machines per endpoint.
package p2p

import (
	"crypto/rand"

	"github.com/dropgate/dropgate/internal/dropgateerrors"
)

// shareCodeAlphabet excludes I and O for visual confusion-safety.
const shareCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ"

// DefaultMaxShareCodeAttempts bounds retries on registration collision.
const DefaultMaxShareCodeAttempts = 4

// GenerateShareCode returns a fresh CSPRNG-derived code of the form
// XXXX-DDDD. Callers needing collision-avoidance should use
// GenerateUniqueShareCode.
func GenerateShareCode() (string, error) {
	letters := make([]byte, 4)
	if err := randomBytesMod(letters, len(shareCodeAlphabet)); err != nil {
		return "", err
	}

	digits := make([]byte, 4)
	if err := randomBytesMod(digits, 10); err != nil {
		return "", err
	}

	buf := make([]byte, 0, 9)
	for _, idx := range letters {
		buf = append(buf, shareCodeAlphabet[idx])
	}

	buf = append(buf, '-')

	for _, idx := range digits {
		buf = append(buf, '0'+idx)
	}

	return string(buf), nil
}

// GenerateUniqueShareCode retries share-code generation up to maxAttempts
// times while exists reports a collision.
func GenerateUniqueShareCode(maxAttempts int, exists func(code string) bool) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxShareCodeAttempts
	}

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := GenerateShareCode()
		if err != nil {
			lastErr = err
			continue
		}

		if exists == nil || !exists(code) {
			return code, nil
		}
	}

	if lastErr != nil {
		return "", lastErr
	}

	return "", dropgateerrors.Network("share code registration: exhausted %d attempts", maxAttempts)
}

// randomBytesMod fills out with CSPRNG values in [0, mod).
func randomBytesMod(out []byte, mod int) error {
	raw := make([]byte, len(out))
	if _, err := rand.Read(raw); err != nil {
		return dropgateerrors.Crypto("generating share code: %v", err)
	}

	for i, b := range raw {
		out[i] = b % byte(mod)
	}

	return nil
}

package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// ConsentTokenLength is the fixed length of every consent token. Redemption
// rejects candidates of any other length before touching the store.
const ConsentTokenLength = 32

// ConsentTokenAlphabet is the character set consent tokens are drawn from.
const ConsentTokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrRandomnessUnavailable indicates the system entropy source failed. Callers
// must treat this as fatal to token issuance; there is no weak fallback.
var ErrRandomnessUnavailable = errors.New("crypto: randomness unavailable")

// GenerateConsentToken produces a 32-character single-use consent token from
// the declared alphabet using crypto/rand. Uniqueness is enforced by the
// store, not here.
func GenerateConsentToken() (string, error) {
	out := make([]byte, 0, ConsentTokenLength)
	buf := make([]byte, ConsentTokenLength*2)

	// Rejection sampling keeps the distribution uniform over the alphabet.
	limit := byte(len(ConsentTokenAlphabet)) * (255 / byte(len(ConsentTokenAlphabet)))
	for len(out) < ConsentTokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("%w: %v", ErrRandomnessUnavailable, err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, ConsentTokenAlphabet[int(b)%len(ConsentTokenAlphabet)])
			if len(out) == ConsentTokenLength {
				break
			}
		}
	}

	return string(out), nil
}

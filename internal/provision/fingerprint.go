package provision

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	fingerprintSaltLength = 16
	fingerprintKeyLength  = 32
	fingerprintIterations = 4096
)

// fingerprinter derives a comparable digest of a connection target so the
// provisioner never retains raw passwords.
type fingerprinter struct {
	salt   []byte
	derive func(password, salt []byte) []byte
}

func newFingerprinter() (fingerprinter, error) {
	salt := make([]byte, fingerprintSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return fingerprinter{}, fmt.Errorf("generate fingerprint salt: %w", err)
	}
	return fingerprinter{salt: salt, derive: stretchPassword}, nil
}

func stretchPassword(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, fingerprintIterations, fingerprintKeyLength, sha256.New)
}

func (f fingerprinter) sum(cfg ConnectionConfig) []byte {
	key := f.derive([]byte(cfg.Password), f.salt)
	h := sha256.New()
	h.Write([]byte(cfg.Target()))
	h.Write([]byte{0})
	h.Write(key)
	return h.Sum(nil)
}

func sameFingerprint(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

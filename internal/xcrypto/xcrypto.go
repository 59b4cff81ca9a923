// Package xcrypto is the injectable crypto facade the controller uses for
// everything security-sensitive: random bytes, SHA-1/SHA-256, and AES-256 in
// IGE mode. It is a struct of function values rather than a process-wide
// singleton so tests can swap in a deterministic RNG.
package xcrypto

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
)

// Funcs is the injected crypto capability. The zero value is not usable;
// use Default() for the real implementation or build a fake for tests.
type Funcs struct {
	RandBytes    func(buf []byte)
	SHA1         func(data []byte) [sha1.Size]byte
	SHA256       func(data []byte) [sha256.Size]byte
	AESIGEEncrypt func(data, key, iv []byte) []byte
	AESIGEDecrypt func(data, key, iv []byte) []byte
}

// Default returns the real crypto/rand + crypto/sha1 + crypto/sha256 + AES-256-IGE
// implementation used in production.
func Default() Funcs {
	return Funcs{
		RandBytes:     randBytes,
		SHA1:          sha1Sum,
		SHA256:        sha256Sum,
		AESIGEEncrypt: igeEncrypt,
		AESIGEDecrypt: igeDecrypt,
	}
}

func randBytes(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic("xcrypto: system randomness unavailable: " + err.Error())
	}
}

func sha1Sum(data []byte) [sha1.Size]byte {
	return sha1.Sum(data)
}

func sha256Sum(data []byte) [sha256.Size]byte {
	return sha256.Sum256(data)
}

package xcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIGERoundTrip(t *testing.T) {
	f := Default()
	key := make([]byte, 32)
	iv := make([]byte, 32)
	f.RandBytes(key)
	f.RandBytes(iv)

	for _, size := range []int{16, 32, 160, 1024} {
		plain := make([]byte, size)
		f.RandBytes(plain)

		cipher := f.AESIGEEncrypt(plain, key, iv)
		require.Len(t, cipher, size)
		decoded := f.AESIGEDecrypt(cipher, key, iv)
		assert.Equal(t, plain, decoded, "size=%d", size)
	}
}

func TestKDFDeterministic(t *testing.T) {
	f := Default()
	key := make([]byte, 256)
	f.RandBytes(key)
	var msgKey [16]byte
	f.RandBytes(msgKey[:])

	k1, iv1 := f.KDF(key, msgKey, 0)
	k2, iv2 := f.KDF(key, msgKey, 0)
	assert.Equal(t, k1, k2)
	assert.Equal(t, iv1, iv2)

	k3, iv3 := f.KDF(key, msgKey, 8)
	assert.NotEqual(t, k1, k3, "offset must change the derived key")
	assert.NotEqual(t, iv1, iv3)

	assert.Len(t, k1, 32)
	assert.Len(t, iv1, 32)
}

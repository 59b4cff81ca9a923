package xcrypto

import "crypto/aes"

// igeEncrypt implements AES-256 in Infinite Garble Extension mode: each
// plaintext block is XORed with the previous ciphertext block before
// encryption, and the result is XORed with the previous plaintext block.
// iv must be 32 bytes: the first 16 seed "previous ciphertext", the last 16
// seed "previous plaintext". Panics if key/iv/data lengths are wrong — the
// framing codec always supplies fixed-size buffers, so a mismatch is a bug.
func igeEncrypt(data, key, iv []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic("xcrypto: bad AES key: " + err.Error())
	}
	if len(iv) != 32 {
		panic("xcrypto: IGE iv must be 32 bytes")
	}
	if len(data)%16 != 0 {
		panic("xcrypto: IGE data must be a multiple of 16 bytes")
	}

	prevCipher := append([]byte(nil), iv[:16]...)
	prevPlain := append([]byte(nil), iv[16:]...)
	out := make([]byte, len(data))
	scratch := make([]byte, 16)

	for off := 0; off < len(data); off += 16 {
		in := data[off : off+16]
		xorInto(scratch, in, prevCipher)
		block.Encrypt(scratch, scratch)
		xorInto(out[off:off+16], scratch, prevPlain)

		prevCipher = append([]byte(nil), out[off:off+16]...)
		prevPlain = append([]byte(nil), in...)
	}
	return out
}

// igeDecrypt is the inverse of igeEncrypt.
func igeDecrypt(data, key, iv []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic("xcrypto: bad AES key: " + err.Error())
	}
	if len(iv) != 32 {
		panic("xcrypto: IGE iv must be 32 bytes")
	}
	if len(data)%16 != 0 {
		panic("xcrypto: IGE data must be a multiple of 16 bytes")
	}

	prevCipher := append([]byte(nil), iv[:16]...)
	prevPlain := append([]byte(nil), iv[16:]...)
	out := make([]byte, len(data))
	scratch := make([]byte, 16)

	for off := 0; off < len(data); off += 16 {
		in := data[off : off+16]
		xorInto(scratch, in, prevPlain)
		block.Decrypt(scratch, scratch)
		xorInto(out[off:off+16], scratch, prevCipher)

		prevCipher = append([]byte(nil), in...)
		prevPlain = append([]byte(nil), out[off:off+16]...)
	}
	return out
}

func xorInto(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

package xcrypto

// KDF derives the per-packet AES-256 key and IGE iv from the 256-byte shared
// secret and a 16-byte message hash, per the offset x (0 for the outgoing
// party's packets, 8 for the incoming party's). It is a pure function of its
// inputs: same (key, msgKey, x) always yields the same (aesKey, aesIv).
func (f Funcs) KDF(key []byte, msgKey [16]byte, x int) (aesKey, aesIv []byte) {
	if len(key) != 256 {
		panic("xcrypto: KDF requires a 256-byte key")
	}
	if x != 0 && x != 8 {
		panic("xcrypto: KDF offset must be 0 or 8")
	}

	a := f.SHA1(concat(msgKey[:], key[x:x+32]))
	b := f.SHA1(concat(key[32+x:48+x], msgKey[:], key[48+x:64+x]))
	c := f.SHA1(concat(key[64+x:96+x], msgKey[:]))
	d := f.SHA1(concat(msgKey[:], key[96+x:128+x]))

	aesKey = concat(a[0:8], b[8:20], c[4:16])
	aesIv = concat(a[8:20], b[0:8], c[16:20], d[0:8])
	return aesKey, aesIv
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

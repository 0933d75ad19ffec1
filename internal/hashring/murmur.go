package hashring

// murmur32 hashes data with MurmurHash3's 32-bit finalizer (fmix32) run
// over a straightforward 4-byte-block body, per spec.md §4.1: "a
// MurmurHash3-style mixing finalizer over the byte sequence". This isn't
// a full general-purpose MurmurHash3 implementation (no seed, no tail
// handling beyond zero-padding) — it only needs to be a fast, well-mixed,
// deterministic 32-bit hash of short ASCII keys ("<workerId>-<v>-<k>" and
// symbol names), which is all the ring ever hashes.
func murmur32(data []byte) uint32 {
	const (
		c1 uint32 = 0xcc9e2d51
		c2 uint32 = 0x1b873593
	)

	var h uint32
	length := len(data)
	nblocks := length / 4

	for i := 0; i < nblocks; i++ {
		k := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		k *= c1
		k = (k << 15) | (k >> 17)
		k *= c2

		h ^= k
		h = (h << 13) | (h >> 19)
		h = h*5 + 0xe6546b64
	}

	var tail uint32
	tailStart := nblocks * 4
	switch length & 3 {
	case 3:
		tail ^= uint32(data[tailStart+2]) << 16
		fallthrough
	case 2:
		tail ^= uint32(data[tailStart+1]) << 8
		fallthrough
	case 1:
		tail ^= uint32(data[tailStart])
		tail *= c1
		tail = (tail << 15) | (tail >> 17)
		tail *= c2
		h ^= tail
	}

	h ^= uint32(length)
	h = fmix32(h)
	return h
}

// fmix32 is MurmurHash3's 32-bit finalizer: a few rounds of xor-shift and
// multiply by odd constants, spreading entropy across all bits so that
// near-identical inputs (like "<id>-0-0" and "<id>-0-1") land far apart
// on the ring.
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

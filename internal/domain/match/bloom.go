package match

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/kernelgate/kbus/internal/shared/types"
)

// Filter is a bloom filter over message content keys. Senders attach a
// filter describing their broadcast; receivers install masks built the
// same way, so a mask fully contained in the filter means "possibly
// relevant".
type Filter []byte

// NewFilter creates an empty filter with the bus's geometry.
func NewFilter(p types.BloomParameter) Filter {
	return make(Filter, p.Size)
}

// Add sets the key's bits. The bit positions come from the BLAKE3
// extended output over the key, eight bytes per hash.
func (f Filter) Add(p types.BloomParameter, key string) {
	forEachBit(p, key, func(bit uint64) {
		f[bit/8] |= 1 << (bit % 8)
	})
}

// AddPair sets the bits for a key=value condition.
func (f Filter) AddPair(p types.BloomParameter, key, value string) {
	f.Add(p, key+"="+value)
}

// ContainsMask reports whether every bit of mask is set in the filter.
// An empty mask matches everything.
func (f Filter) ContainsMask(mask []byte) bool {
	if len(mask) > len(f) {
		return false
	}
	for i, m := range mask {
		if f[i]&m != m {
			return false
		}
	}
	return true
}

// Mask builds the bloom mask for a set of keys, for match entries.
func Mask(p types.BloomParameter, keys ...string) []byte {
	f := NewFilter(p)
	for _, k := range keys {
		f.Add(p, k)
	}
	return f
}

func forEachBit(p types.BloomParameter, key string, fn func(bit uint64)) {
	h := blake3.New()
	_, _ = h.Write([]byte(key))
	d := h.Digest()

	bits := p.Size * 8
	buf := make([]byte, 8)
	for i := uint64(0); i < p.Hashes; i++ {
		_, _ = d.Read(buf)
		fn(binary.LittleEndian.Uint64(buf) % bits)
	}
}

package digest

import (
	"crypto/md5"
	"hash"

	"github.com/beam-cloud/evp/pkg/common"
)

type Digest = [common.DigestLength]byte

// Hasher computes the per-file digest stored in descriptor records.
type Hasher struct {
	h hash.Hash
	n int64
}

func New() *Hasher {
	return &Hasher{h: md5.New()}
}

func (d *Hasher) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return d.h.Write(p)
}

// Len is the number of bytes consumed so far.
func (d *Hasher) Len() int64 {
	return d.n
}

// Sum returns the digest of everything written. A hasher that never saw a
// byte yields the all-zero digest, which is what archives store for empty
// files.
func (d *Hasher) Sum() Digest {
	var out Digest
	if d.n == 0 {
		return out
	}
	copy(out[:], d.h.Sum(nil))
	return out
}

func (d *Hasher) Reset() {
	d.h.Reset()
	d.n = 0
}

func Of(data []byte) Digest {
	h := New()
	h.Write(data)
	return h.Sum()
}

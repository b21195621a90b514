package format

import "encoding/binary"

const (
	teaBlockSize = 8
	teaRounds    = 32
	teaDelta     = 0x9E3779B9
	teaSumInit   = 0xC6EF3720 // teaDelta * teaRounds
)

var descriptorKeyBytes = [16]byte{
	0x41, 0xF5, 0xDF, 0x98, 0xC2, 0x05, 0x48, 0x2B,
	0x9B, 0x97, 0xAF, 0x01, 0xA5, 0x4B, 0x14, 0xD8,
}

var descriptorKey = teaKey(descriptorKeyBytes)

func teaKey(b [16]byte) [4]uint32 {
	var k [4]uint32
	for i := range k {
		k[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return k
}

func teaDecodeBlock(block []byte, k [4]uint32) {
	v0 := binary.LittleEndian.Uint32(block[0:])
	v1 := binary.LittleEndian.Uint32(block[4:])

	sum := uint32(teaSumInit)
	for i := 0; i < teaRounds; i++ {
		v1 -= ((v0 << 4) + k[2]) ^ (v0 + sum) ^ ((v0 >> 5) + k[3])
		v0 -= ((v1 << 4) + k[0]) ^ (v1 + sum) ^ ((v1 >> 5) + k[1])
		sum -= teaDelta
	}

	binary.LittleEndian.PutUint32(block[0:], v0)
	binary.LittleEndian.PutUint32(block[4:], v1)
}

func teaEncodeBlock(block []byte, k [4]uint32) {
	v0 := binary.LittleEndian.Uint32(block[0:])
	v1 := binary.LittleEndian.Uint32(block[4:])

	var sum uint32
	for i := 0; i < teaRounds; i++ {
		sum += teaDelta
		v0 += ((v1 << 4) + k[0]) ^ (v1 + sum) ^ ((v1 >> 5) + k[1])
		v1 += ((v0 << 4) + k[2]) ^ (v0 + sum) ^ ((v0 >> 5) + k[3])
	}

	binary.LittleEndian.PutUint32(block[0:], v0)
	binary.LittleEndian.PutUint32(block[4:], v1)
}

// descriptorDecodeSize is how many leading bytes of a compressed descriptor
// block are obfuscated. Always a multiple of the block size.
func descriptorDecodeSize(compressedSize uint32) uint32 {
	const full = 64
	if full < compressedSize {
		return full
	}
	if compressedSize == 0 {
		return 0
	}
	return (compressedSize - 1) &^ (teaBlockSize - 1)
}

// TEAEncode obfuscates the leading bytes of a compressed descriptor block in
// place, the inverse of what v2 readers undo. Used to build v2 fixtures.
func TEAEncode(buf []byte) {
	n := descriptorDecodeSize(uint32(len(buf)))
	for off := uint32(0); off < n; off += teaBlockSize {
		teaEncodeBlock(buf[off:off+teaBlockSize], descriptorKey)
	}
}

// isZlibHeader checks the first two bytes of a zlib stream for deflate with
// one of the standard compression levels.
func isZlibHeader(b []byte) bool {
	if len(b) < 2 || b[0] != 0x78 {
		return false
	}
	switch b[1] {
	case 0x01, 0x5E, 0x9C, 0xDA:
		return true
	}
	return false
}

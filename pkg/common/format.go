package common

// EVPFileStartBytes is the signature shared by every known EVP layout. The
// layouts are told apart by the FormatType word that follows it.
var EVPFileStartBytes = [SignatureLength]byte{
	0x35, 0x32, 0x35, 0x63, 0x31, 0x37, 0x61, 0x36, 0x61, 0x37, 0x63, 0x66, 0x62, 0x63,
	0x64, 0x37, 0x35, 0x34, 0x31, 0x32, 0x65, 0x63, 0x64, 0x30, 0x36, 0x39, 0x64, 0x34,
	0x62, 0x37, 0x32, 0x63, 0x33, 0x38, 0x39, 0x00, 0x10, 0x00, 0x00, 0x00, 0x4E, 0x4F,
	0x52, 0x4D, 0x41, 0x4C, 0x5F, 0x50, 0x41, 0x43, 0x4B, 0x5F, 0x54, 0x59, 0x50, 0x45,
}

const (
	ArchiveExtension = ".evp"

	SignatureLength = 56

	// Header is the signature followed by five little-endian u32 fields.
	HeaderLength = SignatureLength + 5*4

	// DataStartOffset is where the first packed file begins.
	DataStartOffset = HeaderLength

	DigestLength = 16

	// ChunkSize is the buffer used for every streamed copy.
	ChunkSize = 16 * 1024
)

/*

An archive is laid out as:

	Signature        [56]byte
	Type             uint32
	DescriptorOffset uint32
	DescriptorSize   uint32
	FileCount        uint32
	Reserved         uint32
	Data             []byte   back-to-back file contents, pack order
	Descriptor       []byte   v1: plain, v2: size, csize, obfuscated zlib

The descriptor block itself starts with a region name (u32 length + bytes)
and three reserved u32 words, followed by one record per file.

*/

type FormatType uint32

const (
	FormatTypeUndefined FormatType = 0x00000000
	FormatTypeV207      FormatType = 0x00000064
	FormatTypeV101      FormatType = 0x00000065
	FormatTypeV102      FormatType = 0x00000066
)

func (t FormatType) String() string {
	switch t {
	case FormatTypeV207:
		return "v207"
	case FormatTypeV101:
		return "v101"
	case FormatTypeV102:
		return "v102"
	default:
		return "undefined"
	}
}

type Header struct {
	Signature        [SignatureLength]byte
	Type             FormatType
	DescriptorOffset uint32
	DescriptorSize   uint32
	FileCount        uint32
	Reserved         uint32
}

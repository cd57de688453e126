package msgio

import "encoding/binary"

// HeaderSize is the size of a frame header on the wire.
const HeaderSize = 8

// Encoding ids carried in the frame header.
const (
	// EncodingDefault marks an uncompressed body.
	EncodingDefault uint32 = 0
	// EncodingZlib1 .. EncodingZlib9 mark a body compressed at level 1..9.
	EncodingZlib1 uint32 = 1
	EncodingZlib9 uint32 = 9
)

// encodeHeader writes {bodyLen, encoding} as two little-endian uint32.
func encodeHeader(out []byte, bodyLen, encoding uint32) {
	binary.LittleEndian.PutUint32(out[0:4], bodyLen)
	binary.LittleEndian.PutUint32(out[4:8], encoding)
}

func decodeHeader(in []byte) (bodyLen, encoding uint32) {
	return binary.LittleEndian.Uint32(in[0:4]), binary.LittleEndian.Uint32(in[4:8])
}

func validEncoding(encoding uint32) bool {
	return encoding <= EncodingZlib9
}


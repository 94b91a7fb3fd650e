package pebuild

import "encoding/binary"

// computeChecksum implements the PE header checksum: 16-bit ones-complement
// folding over the whole file with the 4-byte CheckSum field excluded, plus
// the file length. Matches IMAGHELP's CheckSumMappedFile for the
// file-aligned (even-length) images this writer produces.
func computeChecksum(image []byte, checksumOffset int) uint32 {
	var sum uint32
	for i := 0; i+1 < len(image); i += 2 {
		if i == checksumOffset || i == checksumOffset+2 {
			continue
		}
		sum += uint32(binary.LittleEndian.Uint16(image[i:]))
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	if len(image)%2 == 1 {
		sum += uint32(image[len(image)-1])
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	sum = (sum & 0xFFFF) + (sum >> 16)
	return sum + uint32(len(image))
}

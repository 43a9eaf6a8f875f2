package util

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum utilities for log frames
// Uses CRC32 (Castagnoli polynomial), hardware accelerated on most platforms

var (
	// crc32Table is precomputed for better performance
	crc32Table = crc32.MakeTable(crc32.Castagnoli)
)

// FrameHeaderSize is the size of the length and checksum prefix of a frame
const FrameHeaderSize = 8

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// EncodeFrame prefixes payload with its length and checksum
// Format: [length (4 bytes LE)][checksum (4 bytes LE)][payload]
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], ComputeChecksum(payload))
	copy(frame[FrameHeaderSize:], payload)
	return frame
}

// DecodeFrameHeader returns the payload length and checksum of a frame header
func DecodeFrameHeader(header []byte) (length uint32, checksum uint32, ok bool) {
	if len(header) < FrameHeaderSize {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint32(header[0:4]), binary.LittleEndian.Uint32(header[4:8]), true
}

// DecodeFrame validates a full frame and returns its payload
// Returns (payload, valid) where valid indicates if the frame is complete and the checksum matched
func DecodeFrame(frame []byte) ([]byte, bool) {
	length, checksum, ok := DecodeFrameHeader(frame)
	if !ok || len(frame) < FrameHeaderSize+int(length) {
		return nil, false
	}
	payload := frame[FrameHeaderSize : FrameHeaderSize+int(length)]
	return payload, ValidateChecksum(payload, checksum)
}

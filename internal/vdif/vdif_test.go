package vdif

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func packetWithHeader(secSinceEpoch uint32, refEpoch uint8, frameNum uint32) []byte {
	p := make([]byte, HeaderBytes)
	p[0] = byte(secSinceEpoch)
	p[1] = byte(secSinceEpoch >> 8)
	p[2] = byte(secSinceEpoch >> 16)
	p[3] = byte(secSinceEpoch >> 24)

	word1 := (frameNum & 0xFFFFFF) | (uint32(refEpoch&0x3F) << 24)
	p[4] = byte(word1)
	p[5] = byte(word1 >> 8)
	p[6] = byte(word1 >> 16)
	p[7] = byte(word1 >> 24)
	return p
}

func TestDefaultReaderFrameSecond(t *testing.T) {
	r := NewDefaultReader()
	p := packetWithHeader(12345, 0, 0)
	assert.Equal(t, 12345, r.FrameSecond(p))
}

func TestDefaultReaderFrameSecondMasksInvalidBit(t *testing.T) {
	r := NewDefaultReader()
	p := packetWithHeader(100, 0, 0)
	p[3] |= 0x80 // set the invalid-data flag bit above the 30-bit field
	assert.Equal(t, 100, r.FrameSecond(p))
}

func TestDefaultReaderFrameNumber(t *testing.T) {
	r := NewDefaultReader()
	p := packetWithHeader(0, 0, 999)
	assert.Equal(t, 999, r.FrameNumber(p))
}

func TestDefaultReaderFrameMJDAdvancesWithEpoch(t *testing.T) {
	r := NewDefaultReader()
	epoch0 := packetWithHeader(0, 0, 0)
	epoch1 := packetWithHeader(0, 1, 0)

	mjd0 := r.FrameMJD(epoch0)
	mjd1 := r.FrameMJD(epoch1)
	assert.Greater(t, mjd1, mjd0)
}

package whisper

import (
	"encoding/binary"
	"io"
	"math"
)

// bitsPerSample is fixed: whisper.cpp reads signed 16-bit little-endian PCM.
const bitsPerSample = 16

// wavHeader is the canonical 44-byte RIFF header of an uncompressed PCM file.
type wavHeader struct {
	Riff          [4]byte
	RiffSize      uint32
	Wave          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// writeWAV writes pcm to w as a WAV file.
func writeWAV(w io.Writer, pcm []byte, sampleRate, channels int) error {
	frame := channels * bitsPerSample / 8
	h := wavHeader{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		RiffSize:      uint32(36 + len(pcm)),
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		Format:        1,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * frame),
		BlockAlign:    uint16(frame),
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}

// rms is the root-mean-square level of 16-bit PCM in sample units
// (0 to 32767). A buffer shorter than one sample is silent.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

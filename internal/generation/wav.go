package generation

import (
	"encoding/binary"
	"errors"
	"io"
)

const wavHeaderSize = 44

// WriteWAV writes a as a canonical PCM WAVE file.
func WriteWAV(w io.Writer, a *Audio) error {
	if a == nil || len(a.PCM) == 0 {
		return errors.New("no audio data")
	}
	if a.SampleRate <= 0 || a.Channels <= 0 || a.BitsPerSample <= 0 || a.BitsPerSample%8 != 0 {
		return errors.New("invalid audio format")
	}

	blockAlign := a.Channels * a.BitsPerSample / 8
	dataSize := uint32(len(a.PCM))

	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataSize)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(a.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(a.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(a.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(a.BitsPerSample))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataSize)

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(a.PCM)
	return err
}

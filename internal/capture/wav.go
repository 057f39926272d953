package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// WAVDriver replays a PCM16 WAV file in real time, as if it were a live input.
type WAVDriver struct {
	Path          string
	FrameDuration time.Duration
	Loop          bool
}

func (d WAVDriver) Open(_ context.Context, _ Format, deliver func(Buffer), _ func(error)) (Device, Format, error) {
	file, err := os.Open(d.Path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer file.Close()

	format, pcm, err := DecodeWAV(file)
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	interval := d.FrameDuration
	if interval <= 0 {
		interval = 64 * time.Millisecond
	}
	size := format.FrameBytes(interval)
	if size == 0 || len(pcm) == 0 {
		return nil, Format{}, fmt.Errorf("%w: %s holds no audio", ErrDeviceUnavailable, d.Path)
	}

	offset := 0
	next := func() []byte {
		frame := make([]byte, size)
		n := 0
		for n < size {
			if offset >= len(pcm) {
				if !d.Loop {
					break
				}
				offset = 0
			}
			copied := copy(frame[n:], pcm[offset:])
			n += copied
			offset += copied
		}
		return frame
	}
	return startPaced(format, interval, next, deliver), format, nil
}

// DecodeWAV reads a 16-bit PCM WAV stream into interleaved little-endian bytes.
func DecodeWAV(r io.ReadSeeker) (Format, []byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Format{}, nil, fmt.Errorf("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Format{}, nil, fmt.Errorf("decode wav: %w", err)
	}
	if dec.BitDepth != 16 {
		return Format{}, nil, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	format := Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		Encoding:   EncodingPCM16,
	}
	return format, pcm, nil
}

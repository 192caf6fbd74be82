package notify

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

const (
	toneDurationMs = 400
	toneFreqHz     = 880.0
	toneSampleRate = 44100
)

var (
	toneOnce sync.Once
	toneWAV  []byte
)

// Tone returns the audible cue as a mono 16-bit PCM WAV. It is synthesized
// once and cached; callers must not modify the slice.
func Tone() []byte {
	toneOnce.Do(func() {
		toneWAV = synthBeepWAV(toneDurationMs, toneFreqHz, toneSampleRate)
	})
	return toneWAV
}

func synthBeepWAV(durationMs int, freqHz float64, sampleRate int) []byte {
	n := durationMs * sampleRate / 1000
	samples := make([]int16, n)
	const amp = 3000.0
	fade := sampleRate / 100 // 10ms ramp to avoid clicks
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		gain := 1.0
		if i < fade {
			gain = float64(i) / float64(fade)
		} else if n-i < fade {
			gain = float64(n-i) / float64(fade)
		}
		samples[i] = int16(amp * gain * math.Sin(2*math.Pi*freqHz*t))
	}

	dataSize := uint32(len(samples) * 2)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))           // fmt chunk size
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))            // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))            // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))   // sample rate
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))            // block align
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))           // bits per sample
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataSize)
	_ = binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}

package media

import (
	"fmt"
	"time"

	"github.com/zaf/g711"
)

// RTP payload types for supported codecs.
const (
	PayloadPCMU           = 0   // G.711 µ-law
	PayloadPCMA           = 8   // G.711 A-law
	PayloadTelephoneEvent = 101 // RFC 4733 DTMF events (passthrough)
)

// Codec is an immutable audio codec specification.
type Codec struct {
	Name        string        // codec name, e.g. "PCMU", "PCMA"
	PayloadType uint8         // RTP payload type
	ClockRate   uint32        // samples per second
	FrameDur    time.Duration // duration of one packetized frame
	Channels    int
}

// Pre-defined codecs. G.711 at 8 kHz with 20 ms frames is the baseline
// for both variants.
var (
	CodecPCMU = Codec{"PCMU", PayloadPCMU, 8000, 20 * time.Millisecond, 1}
	CodecPCMA = Codec{"PCMA", PayloadPCMA, 8000, 20 * time.Millisecond, 1}
)

// CodecByName returns the codec definition for a supported codec name.
func CodecByName(name string) (Codec, bool) {
	switch name {
	case "PCMU", "pcmu":
		return CodecPCMU, true
	case "PCMA", "pcma":
		return CodecPCMA, true
	}
	return Codec{}, false
}

// CodecByPayloadType returns the codec definition for a static payload type.
func CodecByPayloadType(pt uint8) (Codec, bool) {
	switch pt {
	case PayloadPCMU:
		return CodecPCMU, true
	case PayloadPCMA:
		return CodecPCMA, true
	}
	return Codec{}, false
}

// SamplesPerFrame returns the number of samples in one frame.
// For 8 kHz with 20 ms frames this is 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.ClockRate) * int(c.FrameDur) / int(time.Second)
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// EncodeULaw compresses 16-bit PCM samples to G.711 µ-law.
func EncodeULaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = g711.EncodeUlawFrame(s)
	}
	return out
}

// DecodeULaw expands G.711 µ-law bytes to 16-bit PCM samples.
func DecodeULaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = g711.DecodeUlawFrame(b)
	}
	return out
}

// EncodeALaw compresses 16-bit PCM samples to G.711 A-law.
func EncodeALaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = g711.EncodeAlawFrame(s)
	}
	return out
}

// DecodeALaw expands G.711 A-law bytes to 16-bit PCM samples.
func DecodeALaw(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = g711.DecodeAlawFrame(b)
	}
	return out
}

// Transcode converts a G.711 payload between the µ-law and A-law
// variants. Same-type conversion returns the input unchanged. Only the
// two G.711 payload types are supported.
func Transcode(payload []byte, from, to uint8) ([]byte, error) {
	if from == to {
		return payload, nil
	}
	switch {
	case from == PayloadPCMA && to == PayloadPCMU:
		return g711.Alaw2Ulaw(payload), nil
	case from == PayloadPCMU && to == PayloadPCMA:
		return g711.Ulaw2Alaw(payload), nil
	}
	return nil, fmt.Errorf("transcode: unsupported payload type pair %d -> %d", from, to)
}

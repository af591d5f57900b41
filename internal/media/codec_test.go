package media

import "testing"

func sign(v int16) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func TestULawRoundTripPreservesSign(t *testing.T) {
	samples := []int16{-32000, -12345, -800, -5, 0, 5, 800, 12345, 32000}
	decoded := DecodeULaw(EncodeULaw(samples))

	for i, orig := range samples {
		got := decoded[i]
		if orig != 0 && sign(got) != sign(orig) {
			t.Errorf("sample %d: sign flipped, %d -> %d", orig, orig, got)
		}
	}
}

func TestALawRoundTripPreservesSign(t *testing.T) {
	samples := []int16{-30000, -1000, -16, 16, 1000, 30000}
	decoded := DecodeALaw(EncodeALaw(samples))

	for i, orig := range samples {
		if sign(decoded[i]) != sign(orig) {
			t.Errorf("sample %d: sign flipped to %d", orig, decoded[i])
		}
	}
}

// Quantization error for G.711 grows with the segment; the coarsest
// µ-law segment steps by 256, A-law by 128 on top samples, so a bound
// proportional to magnitude plus the companding bias covers both.
func TestULawRoundTripBoundedError(t *testing.T) {
	for v := -32000; v <= 32000; v += 37 {
		orig := int16(v)
		got := DecodeULaw(EncodeULaw([]int16{orig}))[0]

		diff := int(got) - int(orig)
		if diff < 0 {
			diff = -diff
		}

		bound := abs(int(orig))/16 + 140
		if diff > bound {
			t.Fatalf("sample %d decoded to %d, error %d exceeds bound %d", orig, got, diff, bound)
		}
	}
}

func TestSilenceDecodesQuiet(t *testing.T) {
	silence := make([]int16, 160)

	for name, decoded := range map[string][]int16{
		"ulaw": DecodeULaw(EncodeULaw(silence)),
		"alaw": DecodeALaw(EncodeALaw(silence)),
	} {
		for i, s := range decoded {
			if s > 100 || s < -100 {
				t.Errorf("%s: silence sample %d decoded to %d", name, i, s)
			}
		}
	}
}

func TestTranscode(t *testing.T) {
	pcm := []int16{-5000, -100, 0, 100, 5000}
	ulaw := EncodeULaw(pcm)

	alaw, err := Transcode(ulaw, PayloadPCMU, PayloadPCMA)
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if len(alaw) != len(ulaw) {
		t.Fatalf("transcode changed length: %d -> %d", len(ulaw), len(alaw))
	}

	decoded := DecodeALaw(alaw)
	for i := range pcm {
		if pcm[i] != 0 && sign(decoded[i]) != sign(pcm[i]) {
			t.Errorf("transcoded sample %d lost sign: %d", pcm[i], decoded[i])
		}
	}

	// Same payload type is a passthrough.
	same, err := Transcode(ulaw, PayloadPCMU, PayloadPCMU)
	if err != nil {
		t.Fatalf("Transcode same type: %v", err)
	}
	if &same[0] != &ulaw[0] {
		t.Error("same-type transcode should return the input slice")
	}

	if _, err := Transcode(ulaw, PayloadPCMU, 96); err == nil {
		t.Error("transcode to unsupported payload type should fail")
	}
}

func TestCodecLookups(t *testing.T) {
	if c, ok := CodecByName("PCMU"); !ok || c.PayloadType != PayloadPCMU {
		t.Errorf("CodecByName(PCMU) = %+v, %v", c, ok)
	}
	if c, ok := CodecByPayloadType(PayloadPCMA); !ok || c.Name != "PCMA" {
		t.Errorf("CodecByPayloadType(8) = %+v, %v", c, ok)
	}
	if _, ok := CodecByName("OPUS"); ok {
		t.Error("OPUS should not resolve")
	}

	if got := CodecPCMU.SamplesPerFrame(); got != 160 {
		t.Errorf("SamplesPerFrame = %d, want 160", got)
	}
	if got := CodecPCMU.TimestampIncrement(); got != 160 {
		t.Errorf("TimestampIncrement = %d, want 160", got)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

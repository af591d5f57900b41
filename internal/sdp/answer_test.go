package sdp

import (
	"errors"
	"strings"
	"testing"
)

func answerParams() AnswerParams {
	return AnswerParams{
		Username:   "relaypbx",
		SessionID:  12345,
		LocalIP:    "192.0.2.10",
		LocalPort:  10000,
		Preference: []string{"PCMU", "PCMA"},
	}
}

func TestNegotiatePrefersFirstLocalCodec(t *testing.T) {
	offer, err := Parse([]byte(basicOffer))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	codec, err := Negotiate(offer, []string{"PCMA", "PCMU"})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if codec.Name != "PCMA" || codec.PayloadType != 8 {
		t.Errorf("codec = %+v, want PCMA", codec)
	}
}

func TestNegotiateStaticPayloadWithoutRtpmap(t *testing.T) {
	body := "v=0\r\n" +
		"o=a 1 1 IN IP4 10.0.0.2\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.2\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 8\r\n"

	offer, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	codec, err := Negotiate(offer, []string{"PCMU", "PCMA"})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if codec.PayloadType != 8 || codec.Name != "PCMA" {
		t.Errorf("codec = %+v", codec)
	}
}

func TestNegotiateNoCommonCodec(t *testing.T) {
	body := "v=0\r\n" +
		"o=a 1 1 IN IP4 10.0.0.2\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.2\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 97\r\n" +
		"a=rtpmap:97 iLBC/8000\r\n"

	offer, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := Negotiate(offer, []string{"PCMU", "PCMA"}); !errors.Is(err, ErrNoCommonCodec) {
		t.Errorf("err = %v, want ErrNoCommonCodec", err)
	}
}

func TestBuildAnswerBasic(t *testing.T) {
	offer, err := Parse([]byte(basicOffer))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	answer, err := BuildAnswer(offer, answerParams())
	if err != nil {
		t.Fatalf("BuildAnswer: %v", err)
	}

	audio := answer.AudioMedia()
	if audio == nil {
		t.Fatal("answer has no audio media")
	}
	if audio.Port != 10000 {
		t.Errorf("port = %d", audio.Port)
	}
	if len(audio.Formats) != 1 || audio.Formats[0] != 0 {
		t.Errorf("formats = %v, want [0] (PCMU preferred)", audio.Formats)
	}
	if audio.Direction != "sendrecv" {
		t.Errorf("direction = %q", audio.Direction)
	}

	// The answer must survive its own parser.
	body := answer.Marshal()
	reparsed, err := Parse(body)
	if err != nil {
		t.Fatalf("answer does not reparse: %v\n%s", err, body)
	}
	if reparsed.AudioMedia().CodecByName("PCMU") == nil {
		t.Error("answer lost its rtpmap")
	}
	if !strings.Contains(string(body), "a=sendrecv") {
		t.Errorf("answer body missing direction:\n%s", body)
	}
}

func TestBuildAnswerMirrorsHoldDirection(t *testing.T) {
	cases := map[string]string{
		"sendonly": "recvonly",
		"recvonly": "sendonly",
		"inactive": "inactive",
		"sendrecv": "sendrecv",
	}

	for offerDir, wantAnswerDir := range cases {
		body := strings.Replace(basicOffer, "a=sendrecv", "a="+offerDir, 1)
		offer, err := Parse([]byte(body))
		if err != nil {
			t.Fatalf("Parse(%s): %v", offerDir, err)
		}

		answer, err := BuildAnswer(offer, answerParams())
		if err != nil {
			t.Fatalf("BuildAnswer(%s): %v", offerDir, err)
		}
		if got := answer.AudioMedia().Direction; got != wantAnswerDir {
			t.Errorf("offer %s: answer direction = %q, want %q", offerDir, got, wantAnswerDir)
		}
	}
}

func TestBuildAnswerEchoesSRTPSuite(t *testing.T) {
	offer, err := Parse([]byte(savpOffer("1 AES_CM_128_HMAC_SHA1_80 inline:" + inline(30))))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	answer, err := BuildAnswer(offer, answerParams())
	if err != nil {
		t.Fatalf("BuildAnswer: %v", err)
	}

	audio := answer.AudioMedia()
	if audio.Proto != ProtoSAVP {
		t.Errorf("proto = %q", audio.Proto)
	}
	if len(audio.Crypto) != 1 {
		t.Fatalf("crypto count = %d", len(audio.Crypto))
	}
	c := audio.Crypto[0]
	if c.Suite != SuiteAESCM128SHA180 || c.Tag != 1 {
		t.Errorf("crypto = %+v", c)
	}
	if len(c.KeySalt) != 30 {
		t.Errorf("answer key material length = %d", len(c.KeySalt))
	}

	// Fresh local key, not the offerer's.
	offered := offer.AudioMedia().Crypto[0]
	same := true
	for i := range c.KeySalt {
		if c.KeySalt[i] != offered.KeySalt[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("answer reused the offered key material")
	}

	// SAVP answer must pass its own validation.
	if _, err := Parse(answer.Marshal()); err != nil {
		t.Errorf("answer does not reparse: %v", err)
	}
}

func TestBuildAnswerNoCommonCodec(t *testing.T) {
	body := "v=0\r\n" +
		"o=a 1 1 IN IP4 10.0.0.2\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.2\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 97\r\n" +
		"a=rtpmap:97 opus/48000/2\r\n"

	offer, err := Parse([]byte(body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if _, err := BuildAnswer(offer, answerParams()); !errors.Is(err, ErrNoCommonCodec) {
		t.Errorf("err = %v, want ErrNoCommonCodec", err)
	}
}

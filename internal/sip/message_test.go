package sip

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
)

const rawInvite = "INVITE sip:bob@pbx.test SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bK776asdhds\r\n" +
	"Max-Forwards: 70\r\n" +
	"From: \"Alice\" <sip:alice@pbx.test>;tag=1928301774\r\n" +
	"To: <sip:bob@pbx.test>\r\n" +
	"Call-ID: a84b4c76e66710@10.0.0.2\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:alice@10.0.0.2:5060>\r\n" +
	"X-Custom-Header: opaque-value-kept-verbatim\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 4\r\n" +
	"\r\n" +
	"v=0\r"

func parseRaw(t *testing.T, raw string) sip.Message {
	t.Helper()
	msg, err := sip.NewParser().ParseSIP([]byte(raw))
	if err != nil {
		t.Fatalf("ParseSIP: %v", err)
	}
	return msg
}

func TestMessageParseRequest(t *testing.T) {
	msg := parseRaw(t, rawInvite)

	req, ok := msg.(*sip.Request)
	if !ok {
		t.Fatalf("message type %T, want *sip.Request", msg)
	}

	if req.Method != sip.INVITE {
		t.Errorf("method = %s", req.Method)
	}
	if req.Recipient.User != "bob" || req.Recipient.Host != "pbx.test" {
		t.Errorf("recipient = %s", req.Recipient.String())
	}
	if req.From().Address.User != "alice" {
		t.Errorf("from = %s", req.From().Address.String())
	}
	if tag, _ := req.From().Params.Get("tag"); tag != "1928301774" {
		t.Errorf("from tag = %q", tag)
	}
	if req.CallID().Value() != "a84b4c76e66710@10.0.0.2" {
		t.Errorf("call-id = %q", req.CallID().Value())
	}
	if req.CSeq().SeqNo != 314159 {
		t.Errorf("cseq = %d", req.CSeq().SeqNo)
	}
	if string(req.Body()) != "v=0\r" {
		t.Errorf("body = %q", req.Body())
	}
}

// Headers the implementation does not model are preserved verbatim, and
// access is case-insensitive.
func TestMessageUnknownHeaderPreserved(t *testing.T) {
	msg := parseRaw(t, rawInvite)
	req := msg.(*sip.Request)

	h := req.GetHeader("x-custom-header")
	if h == nil {
		t.Fatal("unknown header lost")
	}
	if h.Value() != "opaque-value-kept-verbatim" {
		t.Errorf("value = %q", h.Value())
	}
}

// parse(serialize(M)) == M for the headers the stack preserves.
func TestMessageRoundTrip(t *testing.T) {
	first := parseRaw(t, rawInvite).(*sip.Request)
	serialized := first.String()

	if !strings.Contains(serialized, "\r\n") {
		t.Fatal("serialization must be CRLF framed")
	}

	second := parseRaw(t, serialized).(*sip.Request)

	if second.Method != first.Method {
		t.Errorf("method changed: %s -> %s", first.Method, second.Method)
	}
	if second.Recipient.String() != first.Recipient.String() {
		t.Errorf("request-uri changed: %s -> %s", first.Recipient.String(), second.Recipient.String())
	}
	if second.CallID().Value() != first.CallID().Value() {
		t.Error("call-id changed")
	}
	if second.CSeq().SeqNo != first.CSeq().SeqNo {
		t.Error("cseq changed")
	}
	if second.Via().Value() != first.Via().Value() {
		t.Error("via changed")
	}
	tag1, _ := first.From().Params.Get("tag")
	tag2, _ := second.From().Params.Get("tag")
	if tag1 != tag2 {
		t.Errorf("from tag changed: %q -> %q", tag1, tag2)
	}
	if second.GetHeader("X-Custom-Header") == nil {
		t.Error("unknown header lost in round trip")
	}
	if string(second.Body()) != string(first.Body()) {
		t.Error("body changed")
	}
}

func TestMessageResponseRoundTrip(t *testing.T) {
	req := parseRaw(t, rawInvite).(*sip.Request)
	res := sip.NewResponseFromRequest(req, 180, "Ringing", nil)

	parsed := parseRaw(t, res.String())
	got, ok := parsed.(*sip.Response)
	if !ok {
		t.Fatalf("message type %T, want *sip.Response", parsed)
	}
	if got.StatusCode != 180 || got.Reason != "Ringing" {
		t.Errorf("status = %d %s", got.StatusCode, got.Reason)
	}
	if got.CallID().Value() != req.CallID().Value() {
		t.Error("response call-id mismatch")
	}
}

func TestMessageRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"NOT A SIP MESSAGE",
		"INVITE\r\n\r\n",
	}
	for _, raw := range cases {
		if _, err := sip.NewParser().ParseSIP([]byte(raw)); err == nil {
			t.Errorf("ParseSIP(%q) should fail", raw)
		}
	}
}

package sip

import (
	"strings"
	"testing"

	"github.com/relaypbx/relaypbx/internal/sdp"
)

const callerOffer = "v=0\r\n" +
	"o=alice 1 1 IN IP4 10.0.0.2\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.2\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=sendrecv\r\n"

func TestRewriteOffer(t *testing.T) {
	original, err := sdp.Parse([]byte(callerOffer))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	body := rewriteOffer(original, "192.0.2.1", 12000)

	rewritten, err := sdp.Parse(body)
	if err != nil {
		t.Fatalf("rewritten offer does not parse: %v\n%s", err, body)
	}

	audio := rewritten.AudioMedia()
	if audio.Port != 12000 {
		t.Errorf("port = %d, want 12000", audio.Port)
	}
	if got := rewritten.ConnectionAddress(audio); got != "192.0.2.1" {
		t.Errorf("connection address = %q", got)
	}

	// Codec list and direction survive the rewrite.
	if len(audio.Formats) != 2 {
		t.Errorf("formats = %v", audio.Formats)
	}
	if audio.Direction != "sendrecv" {
		t.Errorf("direction = %q", audio.Direction)
	}

	// The original is untouched.
	if original.AudioMedia().Port != 49170 {
		t.Errorf("original mutated: port = %d", original.AudioMedia().Port)
	}
	if original.Connection.Address != "10.0.0.2" {
		t.Errorf("original mutated: address = %q", original.Connection.Address)
	}
}

func TestSipReason(t *testing.T) {
	cases := map[int]string{
		404: "Not Found",
		408: "Request Timeout",
		486: "Busy Here",
		487: "Request Terminated",
		488: "Not Acceptable Here",
		603: "Decline",
	}
	for code, want := range cases {
		if got := sipReason(code); got != want {
			t.Errorf("sipReason(%d) = %q, want %q", code, got, want)
		}
	}
	if got := sipReason(499); !strings.Contains(got, "Error") {
		t.Errorf("unknown code reason = %q", got)
	}
}

func TestPendingCallManagerTracking(t *testing.T) {
	pm := NewPendingCallManager(testLogger())

	cancelled := false
	released := false
	pm.Add(&PendingCall{
		CallID:        "p1",
		CancelForward: func() { cancelled = true },
		Release:       func() { released = true },
	})

	if pm.Count() != 1 {
		t.Errorf("count = %d", pm.Count())
	}
	if pm.Get("p1") == nil {
		t.Error("Get should find the pending call")
	}

	pc := pm.Remove("p1")
	if pc == nil {
		t.Fatal("Remove returned nil")
	}
	if pm.Count() != 0 {
		t.Errorf("count after remove = %d", pm.Count())
	}
	if pm.Remove("p1") != nil {
		t.Error("second remove should return nil")
	}
	if cancelled || released {
		t.Error("remove alone must not trigger cancel/release")
	}
}

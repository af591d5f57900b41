package sip

import (
	"strings"
	"testing"
)

func TestMessageSummaryBodyWaiting(t *testing.T) {
	m := MessageSummary{
		Account:   "sip:alice@pbx.test",
		NewVoice:  2,
		OldVoice:  5,
		NewUrgent: 1,
	}

	body := m.Body()
	lines := strings.Split(strings.TrimSuffix(body, "\r\n"), "\r\n")

	if lines[0] != "Messages-Waiting: yes" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "Message-Account: sip:alice@pbx.test" {
		t.Errorf("line 1 = %q", lines[1])
	}
	if lines[2] != "Voice-Message: 2/5 (1/0)" {
		t.Errorf("line 2 = %q", lines[2])
	}
}

func TestMessageSummaryBodyEmpty(t *testing.T) {
	m := MessageSummary{Account: "sip:bob@pbx.test"}

	if m.Waiting() {
		t.Error("no new messages should not be waiting")
	}
	body := m.Body()
	if !strings.HasPrefix(body, "Messages-Waiting: no\r\n") {
		t.Errorf("body = %q", body)
	}
	if !strings.Contains(body, "Voice-Message: 0/0 (0/0)") {
		t.Errorf("body = %q", body)
	}
}

func TestMessageSummaryNoAccount(t *testing.T) {
	m := MessageSummary{NewVoice: 1}
	if strings.Contains(m.Body(), "Message-Account") {
		t.Error("account line should be omitted when unset")
	}
	if !m.Waiting() {
		t.Error("new voice message should be waiting")
	}
}

func TestMWINotifierNilProviderIsNoop(t *testing.T) {
	n := NewMWINotifier(nil, nil, testLogger())
	// Must not panic.
	n.NotifyBinding("alice@pbx.test", Binding{ContactURI: "sip:alice@10.0.0.2"})
}

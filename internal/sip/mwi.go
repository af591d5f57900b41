package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// MessageSummary is the voicemail state rendered into an RFC 3842
// application/simple-message-summary body.
type MessageSummary struct {
	Account   string // message account URI, e.g. "sip:alice@pbx.test"
	NewVoice  int
	OldVoice  int
	NewUrgent int
	OldUrgent int
}

// Waiting reports whether any new messages are pending.
func (m MessageSummary) Waiting() bool {
	return m.NewVoice > 0 || m.NewUrgent > 0
}

// Body renders the RFC 3842 message summary body.
func (m MessageSummary) Body() string {
	var b strings.Builder
	if m.Waiting() {
		b.WriteString("Messages-Waiting: yes\r\n")
	} else {
		b.WriteString("Messages-Waiting: no\r\n")
	}
	if m.Account != "" {
		b.WriteString("Message-Account: " + m.Account + "\r\n")
	}
	b.WriteString(fmt.Sprintf("Voice-Message: %d/%d (%d/%d)\r\n",
		m.NewVoice, m.OldVoice, m.NewUrgent, m.OldUrgent))
	return b.String()
}

// SummaryProvider resolves the voicemail summary for an AoR. The
// voicemail subsystem itself lives outside the core.
type SummaryProvider interface {
	Summary(ctx context.Context, aor string) (MessageSummary, bool)
}

// MWINotifier sends unsolicited NOTIFY requests with message summaries
// to freshly registered contacts.
type MWINotifier struct {
	client   *sipgo.Client
	provider SummaryProvider
	logger   *slog.Logger
}

// NewMWINotifier creates the notifier. provider may be nil, in which
// case no NOTIFYs are sent.
func NewMWINotifier(client *sipgo.Client, provider SummaryProvider, logger *slog.Logger) *MWINotifier {
	return &MWINotifier{
		client:   client,
		provider: provider,
		logger:   logger.With("subsystem", "mwi"),
	}
}

// NotifyBinding sends the current message summary to a just-registered
// contact. Failures are logged only; registration never depends on MWI.
func (n *MWINotifier) NotifyBinding(aor string, b Binding) {
	if n == nil || n.provider == nil || n.client == nil {
		return
	}

	summary, ok := n.provider.Summary(context.Background(), aor)
	if !ok {
		return
	}

	var recipient sip.Uri
	if err := sip.ParseUri(b.ContactURI, &recipient); err != nil {
		n.logger.Warn("cannot parse contact for mwi notify",
			"aor", aor,
			"contact", b.ContactURI,
			"error", err,
		)
		return
	}
	// Prefer the registration's source address for NAT traversal.
	if b.SourceIP != "" && b.SourcePort > 0 {
		recipient.Host = b.SourceIP
		recipient.Port = b.SourcePort
	}

	req := sip.NewRequest(sip.NOTIFY, recipient)
	req.AppendHeader(sip.NewHeader("Event", "message-summary"))
	req.AppendHeader(sip.NewHeader("Subscription-State", "active"))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/simple-message-summary"))
	req.SetBody([]byte(summary.Body()))

	if err := n.client.WriteRequest(req); err != nil {
		n.logger.Warn("failed to send mwi notify",
			"aor", aor,
			"contact", b.ContactURI,
			"error", err,
		)
		return
	}

	n.logger.Debug("mwi notify sent",
		"aor", aor,
		"waiting", summary.Waiting(),
	)
}

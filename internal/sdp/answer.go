package sdp

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrNoCommonCodec is returned when an offer shares no audio codec with
// the local preference list. The SIP layer maps it to 488.
var ErrNoCommonCodec = errors.New("sdp: no mutually supported codec")

// static payload types that may appear in the format list without an
// rtpmap attribute (RFC 3551).
func staticPTName(pt int) string {
	switch pt {
	case 0:
		return "PCMU"
	case 8:
		return "PCMA"
	}
	return ""
}

// staticPTForName is the inverse of staticPTName for supported codecs.
func staticPTForName(name string) (int, bool) {
	switch name {
	case "PCMU", "pcmu":
		return 0, true
	case "PCMA", "pcma":
		return 8, true
	}
	return 0, false
}

// Negotiate picks the audio codec for an answer: the first entry of the
// local preference list the offer also carries. The offer's rtpmap names
// and bare static payload types are both honored.
func Negotiate(offer *SessionDescription, preference []string) (Codec, error) {
	audio := offer.AudioMedia()
	if audio == nil {
		return Codec{}, fmt.Errorf("offer has no audio media")
	}

	for _, want := range preference {
		if c := audio.CodecByName(want); c != nil {
			return *c, nil
		}
		if pt, ok := staticPTForName(want); ok {
			for _, offered := range audio.Formats {
				if offered == pt {
					return Codec{PayloadType: pt, Name: staticPTName(pt), ClockRate: 8000}, nil
				}
			}
		}
	}

	return Codec{}, ErrNoCommonCodec
}

// AnswerParams describes the local side of an offer/answer exchange.
type AnswerParams struct {
	// Username appears in the o= line.
	Username string
	// SessionID populates both the session id and the session version
	// of the o= line.
	SessionID int64
	// LocalIP is the address receivers should send RTP to.
	LocalIP string
	// LocalPort is the local RTP port.
	LocalPort int
	// Preference is the ordered codec preference list (PCMU, PCMA).
	Preference []string
	// SessionName appears in the s= line.
	SessionName string
}

// BuildAnswer produces the SDP answer for an offer: the negotiated codec,
// the mirrored direction attribute, and — when the offer used SAVP — a
// crypto answer echoing the chosen suite with fresh local key material.
func BuildAnswer(offer *SessionDescription, p AnswerParams) (*SessionDescription, error) {
	offerAudio := offer.AudioMedia()
	if offerAudio == nil {
		return nil, fmt.Errorf("offer has no audio media")
	}

	codec, err := Negotiate(offer, p.Preference)
	if err != nil {
		return nil, err
	}

	sessionName := p.SessionName
	if sessionName == "" {
		sessionName = "-"
	}

	answer := &SessionDescription{
		Version: 0,
		Origin: Origin{
			Username:       p.Username,
			SessionID:      strconv.FormatInt(p.SessionID, 10),
			SessionVersion: strconv.FormatInt(p.SessionID, 10),
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        p.LocalIP,
		},
		SessionName: sessionName,
		Connection:  &Connection{NetType: "IN", AddrType: "IP4", Address: p.LocalIP},
		Time:        "0 0",
	}

	// Answer direction mirrors the offer: sendonly becomes recvonly and
	// vice versa; sendrecv and inactive reflect back.
	direction := reverseDirection(offerAudio.Direction)

	md := MediaDescription{
		Type:      "audio",
		Port:      p.LocalPort,
		Proto:     offerAudio.Proto,
		Formats:   []int{codec.PayloadType},
		Direction: direction,
	}

	clockRate := codec.ClockRate
	if clockRate == 0 {
		clockRate = 8000
	}
	md.Codecs = []Codec{{PayloadType: codec.PayloadType, Name: codec.Name, ClockRate: clockRate}}
	md.Attributes = append(md.Attributes,
		fmt.Sprintf("rtpmap:%d %s/%d", codec.PayloadType, codec.Name, clockRate))

	if len(offerAudio.Crypto) == 0 && md.Proto == ProtoSAVP {
		return nil, fmt.Errorf("offer requires srtp but carries no supported crypto suite")
	}
	if len(offerAudio.Crypto) > 0 {
		// Answer the first supported offered suite under the same tag.
		offered := offerAudio.Crypto[0]
		local, err := NewCrypto(offered.Tag, offered.Suite)
		if err != nil {
			return nil, err
		}
		md.Crypto = []Crypto{local}
		md.Attributes = append(md.Attributes, "crypto:"+local.String())
	}

	md.Attributes = append(md.Attributes, direction)

	answer.Media = []MediaDescription{md}
	return answer, nil
}

// BuildOffer produces a plain RTP/AVP sendrecv offer carrying the local
// codec preference. Used for PBX-originated calls.
func BuildOffer(p AnswerParams) (*SessionDescription, error) {
	if len(p.Preference) == 0 {
		return nil, fmt.Errorf("offer needs at least one codec")
	}

	sessionName := p.SessionName
	if sessionName == "" {
		sessionName = "-"
	}

	offer := &SessionDescription{
		Version: 0,
		Origin: Origin{
			Username:       p.Username,
			SessionID:      strconv.FormatInt(p.SessionID, 10),
			SessionVersion: strconv.FormatInt(p.SessionID, 10),
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        p.LocalIP,
		},
		SessionName: sessionName,
		Connection:  &Connection{NetType: "IN", AddrType: "IP4", Address: p.LocalIP},
		Time:        "0 0",
	}

	md := MediaDescription{
		Type:      "audio",
		Port:      p.LocalPort,
		Proto:     ProtoAVP,
		Direction: "sendrecv",
	}
	for _, name := range p.Preference {
		pt, ok := staticPTForName(name)
		if !ok {
			return nil, fmt.Errorf("unsupported codec %q in offer", name)
		}
		md.Formats = append(md.Formats, pt)
		md.Codecs = append(md.Codecs, Codec{PayloadType: pt, Name: staticPTName(pt), ClockRate: 8000})
		md.Attributes = append(md.Attributes,
			fmt.Sprintf("rtpmap:%d %s/8000", pt, staticPTName(pt)))
	}
	md.Attributes = append(md.Attributes, "sendrecv")

	offer.Media = []MediaDescription{md}
	return offer, nil
}

// reverseDirection mirrors an offer's direction attribute for the answer.
func reverseDirection(offer string) string {
	switch offer {
	case "sendonly":
		return "recvonly"
	case "recvonly":
		return "sendonly"
	case "inactive":
		return "inactive"
	default:
		return "sendrecv"
	}
}

package media

import "errors"

// RTP receive-path errors. These are counted and dropped at the media
// layer; they are never surfaced to the SIP layer.
var (
	ErrPacketTooShort     = errors.New("rtp: packet shorter than 12 bytes")
	ErrInvalidVersion     = errors.New("rtp: version is not 2")
	ErrInvalidPadding     = errors.New("rtp: padding length exceeds payload")
	ErrInvalidPayloadType = errors.New("rtp: payload type does not match session")

	ErrUnsupportedPacketType = errors.New("rtcp: unsupported packet type")

	ErrPortExhausted = errors.New("media: rtp port range exhausted")

	ErrStreamClosed = errors.New("media: stream is closed")
)

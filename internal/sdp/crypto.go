package sdp

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// SRTP crypto suites the PBX carries in SDES attributes (RFC 4568).
const (
	SuiteAESCM128SHA180 = "AES_CM_128_HMAC_SHA1_80"
	SuiteAESCM128SHA132 = "AES_CM_128_HMAC_SHA1_32"
	SuiteAESCM256SHA180 = "AES_CM_256_HMAC_SHA1_80"
	SuiteAESCM256SHA132 = "AES_CM_256_HMAC_SHA1_32"
)

// keySaltLen returns the length in bytes of the concatenated master key
// and salt for a suite, or 0 for unknown suites.
func keySaltLen(suite string) int {
	switch suite {
	case SuiteAESCM128SHA180, SuiteAESCM128SHA132:
		return 30 // 16-byte key + 14-byte salt
	case SuiteAESCM256SHA180, SuiteAESCM256SHA132:
		return 46 // 32-byte key + 14-byte salt
	}
	return 0
}

// SupportedSuite reports whether the suite is one the PBX carries.
func SupportedSuite(suite string) bool {
	return keySaltLen(suite) > 0
}

// Crypto is a parsed SDES crypto attribute:
// <tag> <suite> inline:<base64(key||salt)>[|lifetime][|mki] [session-params]
type Crypto struct {
	Tag           int
	Suite         string
	KeySalt       []byte // decoded master key || salt
	Lifetime      string // optional, verbatim (e.g. "2^20")
	MKI           string // optional, verbatim (e.g. "1:4")
	SessionParams string // optional trailing parameters, verbatim
}

// String renders the attribute value (without the "crypto:" prefix).
func (c Crypto) String() string {
	inline := base64.StdEncoding.EncodeToString(c.KeySalt)
	if c.Lifetime != "" {
		inline += "|" + c.Lifetime
	}
	if c.MKI != "" {
		inline += "|" + c.MKI
	}
	s := fmt.Sprintf("%d %s inline:%s", c.Tag, c.Suite, inline)
	if c.SessionParams != "" {
		s += " " + c.SessionParams
	}
	return s
}

// parseCryptoAttr parses one crypto attribute value. Attributes carrying
// an unknown suite are reported as unsupported without an error so the
// remaining attributes still parse; malformed tags or inline parameters
// are errors.
func parseCryptoAttr(value string) (Crypto, bool, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return Crypto{}, false, fmt.Errorf("expected '<tag> <suite> inline:...', got %q", value)
	}

	tag, err := strconv.Atoi(parts[0])
	if err != nil {
		return Crypto{}, false, fmt.Errorf("invalid tag %q: %w", parts[0], err)
	}

	suite := parts[1]
	if !SupportedSuite(suite) {
		return Crypto{}, false, nil
	}

	inline := parts[2]
	if !strings.HasPrefix(inline, "inline:") {
		return Crypto{}, false, fmt.Errorf("key parameter must start with inline:, got %q", inline)
	}
	inline = inline[len("inline:"):]

	// inline: <base64>[|lifetime][|mki]
	fields := strings.Split(inline, "|")
	keySalt, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil {
		// Some clients omit base64 padding.
		keySalt, err = base64.RawStdEncoding.DecodeString(fields[0])
		if err != nil {
			return Crypto{}, false, fmt.Errorf("decoding inline key: %w", err)
		}
	}
	if len(keySalt) != keySaltLen(suite) {
		return Crypto{}, false, fmt.Errorf("key material is %d bytes, suite %s needs %d", len(keySalt), suite, keySaltLen(suite))
	}

	c := Crypto{
		Tag:     tag,
		Suite:   suite,
		KeySalt: keySalt,
	}

	for _, f := range fields[1:] {
		// An MKI contains a colon; a lifetime does not.
		if strings.Contains(f, ":") {
			c.MKI = f
		} else {
			c.Lifetime = f
		}
	}

	if len(parts) > 3 {
		c.SessionParams = strings.Join(parts[3:], " ")
	}

	return c, true, nil
}

// validateCrypto enforces the SDES invariants on one media block:
// SAVP transport carries at least one crypto attribute and plain AVP
// carries none; crypto tags are unique within the block.
func validateCrypto(md *MediaDescription) error {
	cryptoAttrs := 0
	for _, attr := range md.Attributes {
		if strings.HasPrefix(attr, "crypto:") {
			cryptoAttrs++
		}
	}

	if strings.Contains(md.Proto, "SAVP") && cryptoAttrs == 0 {
		return fmt.Errorf("media %q uses %s without a crypto attribute", md.Type, md.Proto)
	}
	if !strings.Contains(md.Proto, "SAVP") && cryptoAttrs > 0 {
		return fmt.Errorf("media %q carries crypto attributes over %s", md.Type, md.Proto)
	}

	seen := make(map[int]bool, len(md.Crypto))
	for _, c := range md.Crypto {
		if seen[c.Tag] {
			return fmt.Errorf("duplicate crypto tag %d in media %q", c.Tag, md.Type)
		}
		seen[c.Tag] = true
	}
	return nil
}

// NewCrypto mints a crypto attribute with fresh random key material for
// the given suite.
func NewCrypto(tag int, suite string) (Crypto, error) {
	n := keySaltLen(suite)
	if n == 0 {
		return Crypto{}, fmt.Errorf("unsupported crypto suite %q", suite)
	}
	keySalt := make([]byte, n)
	if _, err := rand.Read(keySalt); err != nil {
		return Crypto{}, fmt.Errorf("generating srtp key material: %w", err)
	}
	return Crypto{Tag: tag, Suite: suite, KeySalt: keySalt}, nil
}

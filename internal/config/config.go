package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the RelayPBX server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir       string
	ListenUDPAddr string // SIP UDP listen address, e.g. "0.0.0.0:5060"
	Realm         string // digest authentication realm

	NonceLifetimeSeconds int
	NonceSingleUse       bool
	DigestAlgorithms     []string // ordered preference from {MD5, SHA-256, SHA-512}

	RateLimitMaxRequests   int
	RateLimitWindowSeconds int

	BruteForceMaxFailures    int
	BruteForceWindowSeconds  int
	BruteForceLockoutSeconds int

	RegistrationDefaultExpirySeconds int

	RTPPortMin int
	RTPPortMax int

	TransactionTimeoutSeconds int
	RingingTimeoutSeconds     int

	AutoAnswer bool
	Codecs     []string // ordered preference, subset of {PCMU, PCMA}

	ExternalIP  string // public IP for SDP (auto-detected if empty)
	PostgresDSN string // optional; switches the CDR store to PostgreSQL
	MetricsAddr string // optional Prometheus listen address, e.g. ":9090"
	LogLevel    string
	LogFormat   string // "text" or "json"

	digestAlgorithmsRaw string
	codecsRaw           string
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultListenUDPAddr    = "0.0.0.0:5060"
	defaultRealm            = "relaypbx"
	defaultNonceLifetime    = 300
	defaultDigestAlgorithms = "MD5,SHA-256,SHA-512"
	defaultRateLimitMax     = 100
	defaultRateLimitWindow  = 60
	defaultBFMaxFailures    = 5
	defaultBFWindow         = 300
	defaultBFLockout        = 900
	defaultRegExpiry        = 3600
	defaultRTPPortMin       = 10000
	defaultRTPPortMax       = 65534
	defaultTxTimeout        = 32
	defaultRingingTimeout   = 60
	defaultCodecs           = "PCMU,PCMA"
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
)

// envPrefix is the prefix for all RelayPBX environment variables.
const envPrefix = "RELAYPBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

// load is the testable core of Load.
func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("relaypbx", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the embedded database")
	fs.StringVar(&cfg.ListenUDPAddr, "listen-udp-addr", defaultListenUDPAddr, "SIP UDP listen address")
	fs.StringVar(&cfg.Realm, "realm", defaultRealm, "digest authentication realm")
	fs.IntVar(&cfg.NonceLifetimeSeconds, "nonce-lifetime", defaultNonceLifetime, "digest nonce lifetime in seconds")
	fs.BoolVar(&cfg.NonceSingleUse, "nonce-single-use", false, "invalidate each nonce after one successful use")
	fs.StringVar(&cfg.digestAlgorithmsRaw, "digest-algorithms", defaultDigestAlgorithms, "comma-separated digest algorithm preference (MD5, SHA-256, SHA-512)")
	fs.IntVar(&cfg.RateLimitMaxRequests, "rate-limit-max", defaultRateLimitMax, "max SIP requests per source IP per window")
	fs.IntVar(&cfg.RateLimitWindowSeconds, "rate-limit-window", defaultRateLimitWindow, "rate limit window in seconds")
	fs.IntVar(&cfg.BruteForceMaxFailures, "brute-force-max-failures", defaultBFMaxFailures, "failed auth attempts before an IP is locked out")
	fs.IntVar(&cfg.BruteForceWindowSeconds, "brute-force-window", defaultBFWindow, "sliding window for counting auth failures, seconds")
	fs.IntVar(&cfg.BruteForceLockoutSeconds, "brute-force-lockout", defaultBFLockout, "lockout duration after exceeding the failure threshold, seconds")
	fs.IntVar(&cfg.RegistrationDefaultExpirySeconds, "registration-default-expiry", defaultRegExpiry, "default registration expiry when the REGISTER carries none, seconds")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.IntVar(&cfg.TransactionTimeoutSeconds, "transaction-timeout", defaultTxTimeout, "SIP transaction timeout in seconds")
	fs.IntVar(&cfg.RingingTimeoutSeconds, "ringing-timeout", defaultRingingTimeout, "how long a call may ring before 408, seconds")
	fs.BoolVar(&cfg.AutoAnswer, "auto-answer", false, "answer INVITEs locally instead of forwarding to the callee")
	fs.StringVar(&cfg.codecsRaw, "codecs", defaultCodecs, "comma-separated codec preference (PCMU, PCMA)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address advertised in SDP (auto-detected if empty)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN for the CDR store (embedded SQLite when empty)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus metrics listen address (disabled when empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, lookupEnv)

	cfg.DigestAlgorithms = splitList(cfg.digestAlgorithmsRaw)
	cfg.Codecs = splitList(cfg.codecsRaw)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, lookupEnv func(string) (string, bool)) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := lookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		// Set rejects malformed values; the default stands in that case.
		_ = fs.Set(f.Name, val)
	})
}

// splitList splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.ListenUDPAddr); err != nil {
		return fmt.Errorf("listen-udp-addr must be host:port, got %q: %w", c.ListenUDPAddr, err)
	}
	if c.Realm == "" {
		return fmt.Errorf("realm must not be empty")
	}
	if c.NonceLifetimeSeconds < 1 {
		return fmt.Errorf("nonce-lifetime must be positive, got %d", c.NonceLifetimeSeconds)
	}
	if len(c.DigestAlgorithms) == 0 {
		return fmt.Errorf("digest-algorithms must list at least one algorithm")
	}
	for _, alg := range c.DigestAlgorithms {
		switch strings.ToUpper(alg) {
		case "MD5", "SHA-256", "SHA-512":
		default:
			return fmt.Errorf("unsupported digest algorithm %q", alg)
		}
	}
	if c.RateLimitMaxRequests < 1 || c.RateLimitWindowSeconds < 1 {
		return fmt.Errorf("rate limit must have positive max (%d) and window (%d)", c.RateLimitMaxRequests, c.RateLimitWindowSeconds)
	}
	if c.BruteForceMaxFailures < 1 || c.BruteForceWindowSeconds < 1 || c.BruteForceLockoutSeconds < 1 {
		return fmt.Errorf("brute-force settings must be positive")
	}
	if c.RegistrationDefaultExpirySeconds < 1 {
		return fmt.Errorf("registration-default-expiry must be positive, got %d", c.RegistrationDefaultExpirySeconds)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.TransactionTimeoutSeconds < 1 {
		return fmt.Errorf("transaction-timeout must be positive, got %d", c.TransactionTimeoutSeconds)
	}
	if c.RingingTimeoutSeconds < 1 {
		return fmt.Errorf("ringing-timeout must be positive, got %d", c.RingingTimeoutSeconds)
	}
	if len(c.Codecs) == 0 {
		return fmt.Errorf("codecs must list at least one codec")
	}
	for _, codec := range c.Codecs {
		switch strings.ToUpper(codec) {
		case "PCMU", "PCMA":
		default:
			return fmt.Errorf("unsupported codec %q", codec)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SIPPort returns the port component of the SIP listen address.
func (c *Config) SIPPort() int {
	_, portStr, err := net.SplitHostPort(c.ListenUDPAddr)
	if err != nil {
		return 5060
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 5060
	}
	return port
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address to use in SDP for local media streams.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4
// address, falling back to "127.0.0.1".
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

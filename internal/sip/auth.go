package sip

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/relaypbx/relaypbx/internal/store"
)

// AuthConfig tunes the digest authenticator.
type AuthConfig struct {
	Realm         string
	NonceLifetime time.Duration
	NonceSingleUse bool
	// Algorithms is the ordered preference list from
	// {MD5, SHA-256, SHA-512}. The first entry is offered in challenges.
	Algorithms []string
}

// nonceRecord tracks one issued nonce.
type nonceRecord struct {
	mu       sync.Mutex
	issuedAt time.Time
	issuerIP string
	uses     int
	lastNC   int
}

// Authenticator performs RFC 2617 digest authentication with the
// RFC 8760 SHA-256/SHA-512 extension. Nonces are minted per challenge,
// expire after the configured lifetime, and enforce strictly increasing
// nonce counts. Verification is constant time over the response digest.
type Authenticator struct {
	users  store.UserRepository
	cfg    AuthConfig
	guard  *BruteForceGuard
	logger *slog.Logger

	nonces sync.Map // nonce value -> *nonceRecord
}

// NewAuthenticator creates a digest authenticator backed by the user
// repository for HA1 lookups.
func NewAuthenticator(users store.UserRepository, cfg AuthConfig, guard *BruteForceGuard, logger *slog.Logger) *Authenticator {
	if cfg.NonceLifetime == 0 {
		cfg.NonceLifetime = 5 * time.Minute
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{"MD5"}
	}
	return &Authenticator{
		users:  users,
		cfg:    cfg,
		guard:  guard,
		logger: logger.With("subsystem", "auth"),
	}
}

// Challenge sends a 401 Unauthorized with a fresh WWW-Authenticate
// header. stale marks the challenge as a nonce refresh rather than a
// credential failure.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction, stale bool) {
	nonce := a.mintNonce(req.Source())

	chal := digest.Challenge{
		Realm:     a.cfg.Realm,
		Nonce:     nonce,
		Algorithm: a.cfg.Algorithms[0],
		QOP:       []string{"auth"},
		Stale:     stale,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the request's Authorization header. On success
// it returns the authenticated username. On failure it sends the
// appropriate SIP response (401 challenge, 403 when locked) and returns
// ok=false. Failures feed the brute-force guard.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) (username string, ok bool) {
	source := req.Source()

	if a.guard != nil && a.guard.IsBlocked(source) {
		a.logger.Warn("auth rejected: ip locked out", "source", source)
		respondError(req, tx, 403, "Forbidden", a.logger)
		return "", false
	}

	username, err := a.Verify(context.Background(), req)
	if err == nil {
		if a.guard != nil {
			a.guard.RecordSuccess(source)
		}
		a.logger.Debug("digest auth successful", "username", username)
		return username, true
	}

	switch {
	case errors.Is(err, ErrNoCredentials):
		// First pass: no failure recorded, just challenge.
		a.Challenge(req, tx, false)

	case errors.Is(err, ErrUnknownNonce), errors.Is(err, ErrStaleNonce):
		// Nonce churn is normal; re-challenge with stale=true so the
		// client retries with its existing credentials.
		a.Challenge(req, tx, true)

	case errors.Is(err, ErrWrongResponse), errors.Is(err, ErrUnknownUser),
		errors.Is(err, ErrReplayedNC), errors.Is(err, ErrURIMismatch):
		if a.guard != nil {
			a.guard.RecordFailure(source)
		}
		a.logger.Warn("digest auth failed",
			"source", source,
			"reason", err.Error(),
		)
		a.Challenge(req, tx, false)

	default:
		a.logger.Error("auth verification error", "error", err)
		respondError(req, tx, 500, "Internal Server Error", a.logger)
	}

	return "", false
}

// Verify checks the Authorization header against the user store and the
// nonce ledger without touching the transaction. It returns the
// authenticated username or one of the distinguished auth errors.
func (a *Authenticator) Verify(ctx context.Context, req *sip.Request) (string, error) {
	h := req.GetHeader("Authorization")
	if h == nil {
		h = req.GetHeader("Proxy-Authorization")
	}
	if h == nil {
		return "", ErrNoCredentials
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrongResponse, err)
	}

	algorithm := cred.Algorithm
	if algorithm == "" {
		algorithm = a.cfg.Algorithms[0]
	}
	if !a.algorithmAllowed(algorithm) {
		return "", ErrWrongResponse
	}

	// The uri the client signed must be the Request-URI under
	// authentication, or the response could be replayed elsewhere.
	if cred.URI != req.Recipient.String() {
		return "", ErrURIMismatch
	}

	rec, loaded := a.loadNonce(cred.Nonce)
	if !loaded {
		return "", ErrUnknownNonce
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if time.Since(rec.issuedAt) > a.cfg.NonceLifetime {
		a.nonces.Delete(cred.Nonce)
		return "", ErrStaleNonce
	}

	if cred.QOP != "" && cred.Nc <= rec.lastNC {
		return "", ErrReplayedNC
	}

	ha1, err := a.users.FindCredentials(ctx, cred.Username, a.cfg.Realm, algorithm)
	if err != nil {
		return "", fmt.Errorf("credential lookup: %w", err)
	}
	if ha1 == "" {
		return "", ErrUnknownUser
	}

	expected := computeResponse(algorithm, ha1, string(req.Method), cred.URI, cred.Nonce, cred.Nc, cred.Cnonce, cred.QOP)

	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(cred.Response))) != 1 {
		return "", ErrWrongResponse
	}

	rec.uses++
	rec.lastNC = cred.Nc
	if a.cfg.NonceSingleUse {
		a.nonces.Delete(cred.Nonce)
	}

	return cred.Username, nil
}

// CleanExpiredNonces removes nonces older than the lifetime and runs the
// brute-force guard sweep.
func (a *Authenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		rec := value.(*nonceRecord)
		rec.mu.Lock()
		expired := now.Sub(rec.issuedAt) > a.cfg.NonceLifetime
		rec.mu.Unlock()
		if expired {
			a.nonces.Delete(key)
		}
		return true
	})
	if a.guard != nil {
		a.guard.Cleanup()
	}
}

// Guard exposes the brute-force guard.
func (a *Authenticator) Guard() *BruteForceGuard { return a.guard }

// mintNonce generates and records a fresh 128-bit nonce.
func (a *Authenticator) mintNonce(issuer string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback keeps challenges flowing; uniqueness suffers.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	nonce := hex.EncodeToString(b)
	a.nonces.Store(nonce, &nonceRecord{
		issuedAt: time.Now(),
		issuerIP: issuer,
	})
	return nonce
}

func (a *Authenticator) loadNonce(nonce string) (*nonceRecord, bool) {
	v, ok := a.nonces.Load(nonce)
	if !ok {
		return nil, false
	}
	return v.(*nonceRecord), true
}

func (a *Authenticator) algorithmAllowed(algorithm string) bool {
	for _, alg := range a.cfg.Algorithms {
		if strings.EqualFold(alg, algorithm) {
			return true
		}
	}
	return false
}

// newHash returns the hash constructor for a digest algorithm.
func newHash(algorithm string) func() hash.Hash {
	switch strings.ToUpper(algorithm) {
	case "SHA-256":
		return sha256.New
	case "SHA-512":
		return sha512.New
	default:
		return md5.New
	}
}

// hashHex computes the lowercase hex digest of data under the algorithm,
// the canonical RFC 2617 encoding.
func hashHex(algorithm, data string) string {
	h := newHash(algorithm)()
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// HA1 computes H(username:realm:password). Exposed for provisioning
// tools that store precomputed digests.
func HA1(algorithm, username, realm, password string) string {
	return hashHex(algorithm, username+":"+realm+":"+password)
}

// computeResponse computes the digest response for the given parameters,
// with and without qop per RFC 2617.
func computeResponse(algorithm, ha1, method, uri, nonce string, nc int, cnonce, qop string) string {
	ha2 := hashHex(algorithm, method+":"+uri)
	if qop == "" {
		return hashHex(algorithm, ha1+":"+nonce+":"+ha2)
	}
	return hashHex(algorithm, fmt.Sprintf("%s:%s:%08x:%s:%s:%s", ha1, nonce, nc, cnonce, qop, ha2))
}

// respondError sends a terse error response on a transaction.
func respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string, logger *slog.Logger) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to send error response",
			"code", code,
			"error", err,
		)
	}
}

package sip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/relaypbx/relaypbx/internal/store/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUsers implements store.UserRepository over a fixed credential set.
type fakeUsers struct {
	realm    string
	accounts map[string]string // username -> password
}

func (f *fakeUsers) FindCredentials(_ context.Context, username, realm, algorithm string) (string, error) {
	if realm != f.realm {
		return "", nil
	}
	password, ok := f.accounts[username]
	if !ok {
		return "", nil
	}
	return HA1(algorithm, username, realm, password), nil
}

func (f *fakeUsers) Create(context.Context, *models.User) error             { return nil }
func (f *fakeUsers) GetByUsername(context.Context, string) (*models.User, error) { return nil, nil }
func (f *fakeUsers) List(context.Context) ([]models.User, error)            { return nil, nil }
func (f *fakeUsers) Delete(context.Context, int64) error                    { return nil }

func newTestAuth(t *testing.T, singleUse bool) *Authenticator {
	t.Helper()
	users := &fakeUsers{
		realm:    "relaypbx",
		accounts: map[string]string{"alice": "secret"},
	}
	return NewAuthenticator(users, AuthConfig{
		Realm:          "relaypbx",
		NonceLifetime:  5 * time.Minute,
		NonceSingleUse: singleUse,
		Algorithms:     []string{"MD5", "SHA-256", "SHA-512"},
	}, nil, testLogger())
}

func registerRequest(t *testing.T) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:bob@pbx.test", &uri); err != nil {
		t.Fatalf("ParseUri: %v", err)
	}
	return sip.NewRequest(sip.REGISTER, uri)
}

// authHeader renders a complete Authorization header value for the
// given parameters, computing the correct digest response.
func authHeader(a *Authenticator, req *sip.Request, algorithm, username, password, nonce string, nc int) string {
	uri := req.Recipient.String()
	ha1 := HA1(algorithm, username, a.cfg.Realm, password)
	response := computeResponse(algorithm, ha1, string(req.Method), uri, nonce, nc, "deadbeef", "auth")
	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s", algorithm=%s, cnonce="deadbeef", qop=auth, nc=%08x`,
		username, a.cfg.Realm, nonce, uri, response, algorithm, nc,
	)
}

func TestVerifySucceedsPerAlgorithm(t *testing.T) {
	for _, algorithm := range []string{"MD5", "SHA-256", "SHA-512"} {
		t.Run(algorithm, func(t *testing.T) {
			a := newTestAuth(t, false)
			req := registerRequest(t)
			nonce := a.mintNonce("10.0.0.2:5060")

			req.AppendHeader(sip.NewHeader("Authorization",
				authHeader(a, req, algorithm, "alice", "secret", nonce, 1)))

			username, err := a.Verify(context.Background(), req)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if username != "alice" {
				t.Errorf("username = %q", username)
			}
		})
	}
}

func TestVerifyNoCredentials(t *testing.T) {
	a := newTestAuth(t, false)
	req := registerRequest(t)

	if _, err := a.Verify(context.Background(), req); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestVerifyWrongPassword(t *testing.T) {
	a := newTestAuth(t, false)
	req := registerRequest(t)
	nonce := a.mintNonce("10.0.0.2:5060")

	req.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req, "MD5", "alice", "wrong", nonce, 1)))

	if _, err := a.Verify(context.Background(), req); !errors.Is(err, ErrWrongResponse) {
		t.Errorf("err = %v, want ErrWrongResponse", err)
	}
}

func TestVerifyUnknownUser(t *testing.T) {
	a := newTestAuth(t, false)
	req := registerRequest(t)
	nonce := a.mintNonce("10.0.0.2:5060")

	req.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req, "MD5", "mallory", "secret", nonce, 1)))

	if _, err := a.Verify(context.Background(), req); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}
}

func TestVerifyUnknownNonce(t *testing.T) {
	a := newTestAuth(t, false)
	req := registerRequest(t)

	req.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req, "MD5", "alice", "secret", "never-issued", 1)))

	if _, err := a.Verify(context.Background(), req); !errors.Is(err, ErrUnknownNonce) {
		t.Errorf("err = %v, want ErrUnknownNonce", err)
	}
}

func TestVerifyStaleNonce(t *testing.T) {
	a := newTestAuth(t, false)
	req := registerRequest(t)
	nonce := a.mintNonce("10.0.0.2:5060")

	// Age the nonce past its lifetime.
	rec, _ := a.loadNonce(nonce)
	rec.issuedAt = time.Now().Add(-10 * time.Minute)

	req.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req, "MD5", "alice", "secret", nonce, 1)))

	if _, err := a.Verify(context.Background(), req); !errors.Is(err, ErrStaleNonce) {
		t.Errorf("err = %v, want ErrStaleNonce", err)
	}

	// The stale nonce is forgotten entirely.
	if _, err := a.Verify(context.Background(), req); !errors.Is(err, ErrUnknownNonce) {
		t.Errorf("second verify err = %v, want ErrUnknownNonce", err)
	}
}

func TestVerifyReplayedNC(t *testing.T) {
	a := newTestAuth(t, false)
	nonce := a.mintNonce("10.0.0.2:5060")

	req1 := registerRequest(t)
	req1.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req1, "MD5", "alice", "secret", nonce, 3)))
	if _, err := a.Verify(context.Background(), req1); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	// Same nc again must be rejected.
	req2 := registerRequest(t)
	req2.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req2, "MD5", "alice", "secret", nonce, 3)))
	if _, err := a.Verify(context.Background(), req2); !errors.Is(err, ErrReplayedNC) {
		t.Errorf("err = %v, want ErrReplayedNC", err)
	}

	// A lower nc must also be rejected.
	req3 := registerRequest(t)
	req3.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req3, "MD5", "alice", "secret", nonce, 2)))
	if _, err := a.Verify(context.Background(), req3); !errors.Is(err, ErrReplayedNC) {
		t.Errorf("err = %v, want ErrReplayedNC", err)
	}

	// A higher nc is fine.
	req4 := registerRequest(t)
	req4.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req4, "MD5", "alice", "secret", nonce, 4)))
	if _, err := a.Verify(context.Background(), req4); err != nil {
		t.Errorf("higher nc rejected: %v", err)
	}
}

func TestVerifyURIMismatch(t *testing.T) {
	a := newTestAuth(t, false)
	req := registerRequest(t)
	nonce := a.mintNonce("10.0.0.2:5060")

	// Sign a different uri than the Request-URI.
	ha1 := HA1("MD5", "alice", "relaypbx", "secret")
	response := computeResponse("MD5", ha1, string(req.Method), "sip:other@pbx.test", nonce, 1, "deadbeef", "auth")
	header := fmt.Sprintf(
		`Digest username="alice", realm="relaypbx", nonce="%s", uri="sip:other@pbx.test", response="%s", algorithm=MD5, cnonce="deadbeef", qop=auth, nc=00000001`,
		nonce, response,
	)
	req.AppendHeader(sip.NewHeader("Authorization", header))

	if _, err := a.Verify(context.Background(), req); !errors.Is(err, ErrURIMismatch) {
		t.Errorf("err = %v, want ErrURIMismatch", err)
	}
}

func TestVerifySingleUseNonce(t *testing.T) {
	a := newTestAuth(t, true)
	nonce := a.mintNonce("10.0.0.2:5060")

	req1 := registerRequest(t)
	req1.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req1, "MD5", "alice", "secret", nonce, 1)))
	if _, err := a.Verify(context.Background(), req1); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	req2 := registerRequest(t)
	req2.AppendHeader(sip.NewHeader("Authorization",
		authHeader(a, req2, "MD5", "alice", "secret", nonce, 2)))
	if _, err := a.Verify(context.Background(), req2); !errors.Is(err, ErrUnknownNonce) {
		t.Errorf("err = %v, want ErrUnknownNonce after single use", err)
	}
}

func TestCleanExpiredNonces(t *testing.T) {
	a := newTestAuth(t, false)
	fresh := a.mintNonce("10.0.0.2:5060")
	stale := a.mintNonce("10.0.0.2:5060")

	rec, _ := a.loadNonce(stale)
	rec.issuedAt = time.Now().Add(-time.Hour)

	a.CleanExpiredNonces()

	if _, ok := a.loadNonce(stale); ok {
		t.Error("stale nonce survived cleanup")
	}
	if _, ok := a.loadNonce(fresh); !ok {
		t.Error("fresh nonce removed by cleanup")
	}
}

func TestHA1KnownVector(t *testing.T) {
	// RFC 2617 §3.5 example: HA1 for Mufasa/testrealm@host.com/Circle Of Life.
	got := HA1("MD5", "Mufasa", "testrealm@host.com", "Circle Of Life")
	want := "939e7578ed9e3c518a452acee763bce9"
	if got != want {
		t.Errorf("HA1 = %s, want %s", got, want)
	}
}

func TestHashLengthsPerAlgorithm(t *testing.T) {
	lengths := map[string]int{"MD5": 32, "SHA-256": 64, "SHA-512": 128}
	for algorithm, want := range lengths {
		if got := len(HA1(algorithm, "a", "r", "p")); got != want {
			t.Errorf("%s digest length = %d, want %d", algorithm, got, want)
		}
	}
}

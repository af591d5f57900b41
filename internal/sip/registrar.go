package sip

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/relaypbx/relaypbx/internal/event"
)

const (
	minExpiry           = 60    // 1 minute minimum
	maxExpiry           = 86400 // 24 hours maximum
	maxBindingsPerAOR   = 10
	expiryCleanupPeriod = 30 * time.Second
)

// Binding is one registered contact for an address-of-record.
type Binding struct {
	AOR        string
	ContactURI string
	Expires    time.Time
	CallID     string
	CSeq       uint32
	UserAgent  string
	Transport  string
	SourceIP   string
	SourcePort int
}

// Expired reports whether the binding has lapsed.
func (b Binding) Expired() bool {
	return time.Now().After(b.Expires)
}

// aorEntry serializes all mutations for one address-of-record.
type aorEntry struct {
	mu       sync.Mutex
	bindings map[string]*Binding // keyed by contact URI
}

// Registrar owns the in-memory AoR → contact binding store and handles
// REGISTER requests. State is rebuilt from scratch on restart; phones
// re-register on their own schedule.
type Registrar struct {
	mu   sync.RWMutex
	aors map[string]*aorEntry

	defaultExpiry int
	auth          *Authenticator
	bus           *event.Bus
	mwi           *MWINotifier
	logger        *slog.Logger
}

// NewRegistrar creates a registrar. The MWI notifier may be nil.
func NewRegistrar(auth *Authenticator, defaultExpiry int, bus *event.Bus, mwi *MWINotifier, logger *slog.Logger) *Registrar {
	return &Registrar{
		aors:          make(map[string]*aorEntry),
		defaultExpiry: defaultExpiry,
		auth:          auth,
		bus:           bus,
		mwi:           mwi,
		logger:        logger.With("subsystem", "registrar"),
	}
}

// entry returns the serialization point for an AoR, creating it if needed.
func (r *Registrar) entry(aor string) *aorEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.aors[aor]
	if !ok {
		e = &aorEntry{bindings: make(map[string]*Binding)}
		r.aors[aor] = e
	}
	return e
}

// Bind upserts a binding. An expires of 0 removes the (aor, contact)
// pair and succeeds whether or not it existed. Under an unchanged
// Call-ID the CSeq must strictly increase, otherwise ErrStaleCSeq is
// returned and state is unchanged.
func (r *Registrar) Bind(b Binding) (*Binding, error) {
	e := r.entry(b.AOR)
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.bindings[b.ContactURI]
	if ok && existing.CallID == b.CallID && b.CSeq <= existing.CSeq {
		return nil, ErrStaleCSeq
	}

	if b.Expires.IsZero() || !b.Expires.After(time.Now()) {
		delete(e.bindings, b.ContactURI)
		if ok && r.bus != nil {
			r.bus.Publish(event.NewUserUnregistered(event.UserUnregistered{
				AOR:        b.AOR,
				ContactURI: b.ContactURI,
				Reason:     "unregister",
			}))
		}
		return nil, nil
	}

	stored := b
	e.bindings[b.ContactURI] = &stored

	if r.bus != nil {
		r.bus.Publish(event.NewUserRegistered(event.UserRegistered{
			AOR:        b.AOR,
			ContactURI: b.ContactURI,
			ExpiresSec: int(time.Until(b.Expires).Seconds()),
			SourceIP:   b.SourceIP,
			UserAgent:  b.UserAgent,
		}))
	}
	return &stored, nil
}

// Unbind removes every binding for the AoR. Used for wildcard
// de-registration (Contact: *).
func (r *Registrar) Unbind(aor string) int {
	e := r.entry(aor)
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.bindings)
	for contact := range e.bindings {
		delete(e.bindings, contact)
		if r.bus != nil {
			r.bus.Publish(event.NewUserUnregistered(event.UserUnregistered{
				AOR:        aor,
				ContactURI: contact,
				Reason:     "unregister",
			}))
		}
	}
	return n
}

// Lookup returns copies of the non-expired bindings for an AoR.
func (r *Registrar) Lookup(aor string) []Binding {
	r.mu.RLock()
	e, ok := r.aors[aor]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Binding
	for _, b := range e.bindings {
		if !b.Expired() {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactURI < out[j].ContactURI })
	return out
}

// ListByPrefix returns non-expired bindings for every AoR with the given
// prefix. Presence and status surfaces consume this.
func (r *Registrar) ListByPrefix(prefix string) []Binding {
	r.mu.RLock()
	aors := make([]string, 0, len(r.aors))
	for aor := range r.aors {
		if strings.HasPrefix(aor, prefix) {
			aors = append(aors, aor)
		}
	}
	r.mu.RUnlock()

	sort.Strings(aors)
	var out []Binding
	for _, aor := range aors {
		out = append(out, r.Lookup(aor)...)
	}
	return out
}

// BindingCount returns the number of non-expired bindings across all AoRs.
func (r *Registrar) BindingCount() int {
	r.mu.RLock()
	aors := make([]*aorEntry, 0, len(r.aors))
	for _, e := range r.aors {
		aors = append(aors, e)
	}
	r.mu.RUnlock()

	count := 0
	for _, e := range aors {
		e.mu.Lock()
		for _, b := range e.bindings {
			if !b.Expired() {
				count++
			}
		}
		e.mu.Unlock()
	}
	return count
}

// RunExpiryCleanup periodically purges expired bindings until the
// context is done.
func (r *Registrar) RunExpiryCleanup(ctx context.Context) {
	ticker := time.NewTicker(expiryCleanupPeriod)
	defer ticker.Stop()

	r.logger.Info("registration expiry cleanup started",
		"interval", expiryCleanupPeriod.String(),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration expiry cleanup stopped")
			return
		case <-ticker.C:
			if purged := r.PurgeExpired(); purged > 0 {
				r.logger.Info("expired registrations purged", "count", purged)
			}
			if r.auth != nil {
				r.auth.CleanExpiredNonces()
			}
		}
	}
}

// PurgeExpired removes lapsed bindings and returns how many were removed.
func (r *Registrar) PurgeExpired() int {
	r.mu.RLock()
	entries := make(map[string]*aorEntry, len(r.aors))
	for aor, e := range r.aors {
		entries[aor] = e
	}
	r.mu.RUnlock()

	purged := 0
	for aor, e := range entries {
		e.mu.Lock()
		for contact, b := range e.bindings {
			if b.Expired() {
				delete(e.bindings, contact)
				purged++
				if r.bus != nil {
					r.bus.Publish(event.NewUserUnregistered(event.UserUnregistered{
						AOR:        aor,
						ContactURI: contact,
						Reason:     "expired",
					}))
				}
			}
		}
		e.mu.Unlock()
	}
	return purged
}

// HandleRegister processes incoming REGISTER requests.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	username, ok := r.auth.Authenticate(req, tx)
	if !ok {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register missing contact header",
			"username", username,
			"source", req.Source(),
		)
		respondError(req, tx, 400, "Bad Request", r.logger)
		return
	}

	aor := aorFromRequest(req)

	cseq := uint32(0)
	callID := ""
	if h := req.CSeq(); h != nil {
		cseq = h.SeqNo
	}
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}

	expiry := r.parseExpiry(req)

	// Un-register: Expires 0 or the wildcard contact.
	if expiry == 0 || contact.Address.Wildcard {
		r.handleUnregister(req, tx, aor, contact, callID, cseq)
		return
	}

	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	if len(r.Lookup(aor)) >= maxBindingsPerAOR {
		r.logger.Warn("max registrations exceeded",
			"aor", aor,
			"max", maxBindingsPerAOR,
		)
		respondError(req, tx, 403, "Forbidden", r.logger)
		return
	}

	sourceIP, sourcePort := parseSource(req)

	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}

	binding := Binding{
		AOR:        aor,
		ContactURI: contact.Address.String(),
		Expires:    time.Now().Add(time.Duration(expiry) * time.Second),
		CallID:     callID,
		CSeq:       cseq,
		UserAgent:  userAgent,
		Transport:  parseTransport(req),
		SourceIP:   sourceIP,
		SourcePort: sourcePort,
	}

	if _, err := r.Bind(binding); err != nil {
		r.logger.Warn("register rejected",
			"aor", aor,
			"contact", binding.ContactURI,
			"error", err,
		)
		respondError(req, tx, 400, "Bad Request", r.logger)
		return
	}

	r.logger.Info("contact registered",
		"aor", aor,
		"contact", binding.ContactURI,
		"transport", binding.Transport,
		"expires", expiry,
		"source", req.Source(),
	)

	if r.mwi != nil {
		r.mwi.NotifyBinding(aor, binding)
	}

	// 200 OK echoes the Contact with the granted expiry.
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	echoed := sip.ContactHeader{
		Address: contact.Address,
		Params:  sip.NewParams(),
	}
	echoed.Params.Add("expires", strconv.Itoa(expiry))
	res.AppendHeader(&echoed)
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// handleUnregister processes Expires: 0 and wildcard de-registrations.
func (r *Registrar) handleUnregister(req *sip.Request, tx sip.ServerTransaction, aor string, contact *sip.ContactHeader, callID string, cseq uint32) {
	if contact.Address.Wildcard {
		n := r.Unbind(aor)
		r.logger.Info("all registrations removed",
			"aor", aor,
			"count", n,
		)
	} else {
		// Expires 0 succeeds whether or not the binding existed.
		if _, err := r.Bind(Binding{
			AOR:        aor,
			ContactURI: contact.Address.String(),
			CallID:     callID,
			CSeq:       cseq,
		}); err != nil {
			respondError(req, tx, 400, "Bad Request", r.logger)
			return
		}
		r.logger.Info("registration removed",
			"aor", aor,
			"contact", contact.Address.String(),
		)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send unregister response", "error", err)
	}
}

// parseExpiry extracts the registration expiry from the request,
// checking the Contact expires parameter, then the Expires header,
// falling back to the configured default.
func (r *Registrar) parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}

	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}

	return r.defaultExpiry
}

// aorFromRequest derives the address-of-record from the To header.
func aorFromRequest(req *sip.Request) string {
	to := req.To()
	if to == nil {
		return ""
	}
	return to.Address.User + "@" + to.Address.Host
}

// parseSource extracts the source IP and port from the request.
func parseSource(req *sip.Request) (string, int) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// parseTransport determines the transport protocol from the Via header.
func parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		if transport := strings.ToLower(via.Transport); transport != "" {
			return transport
		}
	}
	return "udp"
}

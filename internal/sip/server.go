package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/relaypbx/relaypbx/internal/config"
	"github.com/relaypbx/relaypbx/internal/event"
	"github.com/relaypbx/relaypbx/internal/media"
	"github.com/relaypbx/relaypbx/internal/store"
)

// Server wraps the sipgo SIP stack with RelayPBX-specific handlers:
// registration, authentication, call routing, and media anchoring.
type Server struct {
	cfg           *config.Config
	ua            *sipgo.UserAgent
	srv           *sipgo.Server
	auth          *Authenticator
	registrar     *Registrar
	inviteHandler *InviteHandler
	forwarder     *Forwarder
	router        *Router
	dialogs       *DialogManager
	pending       *PendingCallManager
	ports         *media.PortPool
	limiter       *RateLimiter
	cdrs          *CDREmitter
	bus           *event.Bus
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	logger        *slog.Logger
}

// NewServer creates a SIP server with all handlers registered. The MWI
// summary provider may be nil.
func NewServer(
	cfg *config.Config,
	users store.UserRepository,
	cdrRepo store.CDRRepository,
	bus *event.Bus,
	mwiProvider SummaryProvider,
) (*Server, error) {
	logger := slog.Default().With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("RelayPBX"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	guard := NewBruteForceGuard(BruteForceConfig{
		MaxFailures: cfg.BruteForceMaxFailures,
		Window:      time.Duration(cfg.BruteForceWindowSeconds) * time.Second,
		Lockout:     time.Duration(cfg.BruteForceLockoutSeconds) * time.Second,
	}, logger)

	auth := NewAuthenticator(users, AuthConfig{
		Realm:          cfg.Realm,
		NonceLifetime:  time.Duration(cfg.NonceLifetimeSeconds) * time.Second,
		NonceSingleUse: cfg.NonceSingleUse,
		Algorithms:     cfg.DigestAlgorithms,
	}, guard, logger)

	limiter := NewRateLimiter(RateLimiterConfig{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}, logger)

	ports, err := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating rtp port pool: %w", err)
	}

	forwarder, err := NewForwarder(ua, time.Duration(cfg.TransactionTimeoutSeconds)*time.Second, logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating invite forwarder: %w", err)
	}

	mwi := NewMWINotifier(forwarder.Client(), mwiProvider, logger)
	registrar := NewRegistrar(auth, cfg.RegistrationDefaultExpirySeconds, bus, mwi, logger)
	dialogs := NewDialogManager(bus, logger)
	pending := NewPendingCallManager(logger)
	cdrs := NewCDREmitter(cdrRepo, logger)

	inviteHandler := NewInviteHandler(InviteConfig{
		AutoAnswer:         cfg.AutoAnswer,
		RequireAuth:        false,
		Codecs:             cfg.Codecs,
		MediaIP:            cfg.MediaIP(),
		RingingTimeout:     time.Duration(cfg.RingingTimeoutSeconds) * time.Second,
		TransactionTimeout: time.Duration(cfg.TransactionTimeoutSeconds) * time.Second,
	}, auth, registrar, forwarder, dialogs, pending, ports, cdrs, logger)

	router := NewRouter(dialogs, pending, registrar, forwarder, cdrs, ports,
		cfg.MediaIP(), cfg.Codecs,
		time.Duration(cfg.RingingTimeoutSeconds)*time.Second, logger)

	s := &Server{
		cfg:           cfg,
		ua:            ua,
		srv:           srv,
		auth:          auth,
		registrar:     registrar,
		inviteHandler: inviteHandler,
		forwarder:     forwarder,
		router:        router,
		dialogs:       dialogs,
		pending:       pending,
		ports:         ports,
		limiter:       limiter,
		cdrs:          cdrs,
		bus:           bus,
		logger:        logger,
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers, each behind the
// per-source rate limit.
func (s *Server) registerHandlers() {
	s.srv.OnRegister(s.limited(s.registrar.HandleRegister))
	s.srv.OnInvite(s.limited(s.inviteHandler.HandleInvite))
	s.srv.OnAck(s.limited(s.inviteHandler.HandleAck))
	s.srv.OnBye(s.limited(s.handleBYE))
	s.srv.OnCancel(s.limited(s.handleCANCEL))
	s.srv.OnOptions(s.limited(s.handleOptions))
}

// limited wraps a handler with the per-source-IP rate limit. Over-limit
// requests get 503 and are otherwise ignored.
func (s *Server) limited(next func(*sip.Request, sip.ServerTransaction)) func(*sip.Request, sip.ServerTransaction) {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		if !s.limiter.Allow(req.Source()) {
			s.logger.Warn("request rate limited",
				"method", string(req.Method),
				"source", req.Source(),
			)
			respondError(req, tx, 503, "Service Unavailable", s.logger)
			return
		}
		next(req, tx)
	}
}

// Start begins listening on the configured UDP transport and launches
// the background cleanup tasks. The listener runs in its own goroutine;
// Start returns without waiting for it to bind, and listener errors are
// logged.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", s.cfg.ListenUDPAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", s.cfg.ListenUDPAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.RunExpiryCleanup(ctx)
	}()

	return nil
}

// Stop gracefully shuts down the SIP stack: active calls are torn down,
// listeners stopped, and media sockets closed idempotently.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")

	for _, d := range s.dialogs.ActiveCalls() {
		if err := s.router.ForceHangup(d.CallID); err != nil {
			s.logger.Warn("hangup on shutdown failed",
				"call_id", d.CallID,
				"error", err,
			)
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.limiter.Stop()
	s.forwarder.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Router exposes the call-control surface for external collaborators.
func (s *Server) Router() *Router { return s.router }

// Registrar exposes the binding store for presence surfaces.
func (s *Server) Registrar() *Registrar { return s.registrar }

// DialogManager exposes the active dialog tracker.
func (s *Server) DialogManager() *DialogManager { return s.dialogs }

// PortPool exposes the media port allocator for monitoring.
func (s *Server) PortPool() *media.PortPool { return s.ports }

// Auth exposes the authenticator (locked IP listing, manual unlock).
func (s *Server) Auth() *Authenticator { return s.auth }

// handleBYE terminates an active call: 200 to the sender, BYE to the
// far leg, bridge stopped, CDR finalized.
func (s *Server) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	s.logger.Info("sip bye received",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	d := s.dialogs.Get(callID)
	if d == nil {
		s.logger.Warn("bye for unknown dialog", "call_id", callID)
		respondError(req, tx, 481, "Call/Transaction Does Not Exist", s.logger)
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye", "error", err)
	}

	// Which leg hung up decides where the far-end BYE goes.
	fromTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			fromTag = tag
		}
	}

	reason := "callee bye"
	if fromTag == d.Caller.Tag || fromTag == "" {
		reason = "caller bye"
		if bye := buildCalleeBYE(d); bye != nil {
			if err := s.forwarder.Client().WriteRequest(bye); err != nil {
				s.logger.Error("failed to send bye to callee",
					"call_id", callID,
					"error", err,
				)
			}
		}
	} else {
		if bye := buildCallerBYE(d); bye != nil {
			if err := s.forwarder.Client().WriteRequest(bye); err != nil {
				s.logger.Error("failed to send bye to caller",
					"call_id", callID,
					"error", err,
				)
			}
		}
	}

	// Stop local media on either leg.
	if d.Caller.Stream != nil {
		d.Caller.Stream.Stop()
	}
	if d.Callee.Stream != nil {
		d.Callee.Stream.Stop()
	}

	terminated := s.dialogs.Terminate(callID, StateCompleted, reason, 200)
	if terminated == nil {
		return
	}
	s.cdrs.Finalize(terminated, terminated.Codec)
}

// handleCANCEL aborts a ringing call. Per RFC 3261 §9.2 the CANCEL gets
// its own 200, and the matched INVITE transaction gets 487. A CANCEL
// outside a pre-established dialog is rejected with 481.
func (s *Server) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	s.logger.Info("sip cancel received",
		"call_id", callID,
		"source", req.Source(),
	)

	pc := s.pending.Get(callID)
	if pc == nil {
		// Established or unknown dialogs cannot be cancelled.
		respondError(req, tx, 481, "Call/Transaction Does Not Exist", s.logger)
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to cancel", "error", err)
	}

	if s.pending.Cancel(callID) != nil {
		terminated := s.dialogs.Terminate(callID, StateCancelled, "cancelled by caller", 487)
		if terminated != nil {
			s.cdrs.Finalize(terminated, terminated.Codec)
		}
	}
}

// handleOptions answers keepalive pings from phones.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, NOTIFY"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

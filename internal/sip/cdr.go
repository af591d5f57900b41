package sip

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/relaypbx/relaypbx/internal/store"
	"github.com/relaypbx/relaypbx/internal/store/models"
)

// cdrWriteTimeout bounds each repository call so a slow CDR store never
// stalls call processing.
const cdrWriteTimeout = 5 * time.Second

// CDREmitter writes call detail records around the dialog lifecycle:
// created at dialog creation, updated on answer, finalized on
// termination. Repository failures are logged and tolerated; losing a
// CDR write never fails a call.
type CDREmitter struct {
	repo   store.CDRRepository
	logger *slog.Logger
}

// NewCDREmitter creates a CDR emitter over the given repository.
func NewCDREmitter(repo store.CDRRepository, logger *slog.Logger) *CDREmitter {
	return &CDREmitter{
		repo:   repo,
		logger: logger.With("subsystem", "cdr"),
	}
}

// Open creates the CDR for a freshly created dialog and stamps the
// dialog with the record's id.
func (e *CDREmitter) Open(d *Dialog) {
	if e == nil || e.repo == nil {
		return
	}

	d.CDRID = uuid.New().String()

	callerIP := extractIP(d.Caller.Source)
	if callerIP == "" {
		callerIP = d.Caller.Source
	}
	cdr := &models.CDR{
		ID:             d.CDRID,
		CallID:         d.CallID,
		CallerUsername: d.Caller.Username,
		CallerURI:      d.Caller.URI,
		CallerIP:       callerIP,
		CalleeUsername: d.Callee.Username,
		CalleeURI:      d.Callee.URI,
		Direction:      d.Direction,
		StartTime:      d.StartTime.UTC(),
		Status:         models.CDRStatusActive,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cdrWriteTimeout)
	defer cancel()

	if err := e.repo.Create(ctx, cdr); err != nil {
		e.logger.Error("failed to create cdr",
			"call_id", d.CallID,
			"error", err,
		)
		return
	}

	e.logger.Debug("cdr created",
		"call_id", d.CallID,
		"cdr_id", d.CDRID,
	)
}

// MarkAnswered records the answer time and setup duration.
func (e *CDREmitter) MarkAnswered(d *Dialog) {
	if e == nil || e.repo == nil || d.CDRID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cdrWriteTimeout)
	defer cancel()

	cdr, err := e.repo.GetByID(ctx, d.CDRID)
	if err != nil || cdr == nil {
		e.logger.Error("failed to fetch cdr for answer update",
			"call_id", d.CallID,
			"error", err,
		)
		return
	}

	if d.AnswerTime != nil {
		answer := d.AnswerTime.UTC()
		cdr.AnswerTime = &answer
		setup := int(answer.Sub(cdr.StartTime).Seconds())
		cdr.SetupDuration = &setup
	}

	if err := e.repo.Update(ctx, cdr); err != nil {
		e.logger.Error("failed to update cdr on answer",
			"call_id", d.CallID,
			"error", err,
		)
	}
}

// SetCalleeContact fills the callee's resolved address once known.
func (e *CDREmitter) SetCalleeContact(d *Dialog, source string) {
	if e == nil || e.repo == nil || d.CDRID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cdrWriteTimeout)
	defer cancel()

	cdr, err := e.repo.GetByID(ctx, d.CDRID)
	if err != nil || cdr == nil {
		return
	}

	ip := extractIP(source)
	if ip == "" {
		ip = source
	}
	cdr.CalleeIP = &ip
	if err := e.repo.Update(ctx, cdr); err != nil {
		e.logger.Error("failed to update cdr callee contact",
			"call_id", d.CallID,
			"error", err,
		)
	}
}

// Finalize stamps the end of the call: end time, durations, status per
// the end cause, SIP code, and the bridge's media counters (taken from
// the caller leg) when a bridge carried the call.
func (e *CDREmitter) Finalize(d *Dialog, codec string) {
	if e == nil || e.repo == nil || d.CDRID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cdrWriteTimeout)
	defer cancel()

	cdr, err := e.repo.GetByID(ctx, d.CDRID)
	if err != nil || cdr == nil {
		e.logger.Error("failed to fetch cdr for finalization",
			"call_id", d.CallID,
			"error", err,
		)
		return
	}

	now := time.Now().UTC()
	end := now
	if d.EndTime != nil {
		end = d.EndTime.UTC()
	}
	cdr.EndTime = &end

	total := int(end.Sub(cdr.StartTime).Seconds())
	cdr.TotalDuration = &total

	if d.AnswerTime != nil {
		answer := d.AnswerTime.UTC()
		cdr.AnswerTime = &answer
		callDur := int(end.Sub(answer).Seconds())
		cdr.CallDuration = &callDur
		setup := int(answer.Sub(cdr.StartTime).Seconds())
		cdr.SetupDuration = &setup
	}

	cdr.Status = statusForEnd(d.State(), d.SIPCode)
	if d.EndReason != "" {
		reason := d.EndReason
		cdr.EndReason = &reason
	}
	if d.SIPCode != 0 {
		code := d.SIPCode
		cdr.SIPResponseCode = &code
	}

	if codec != "" {
		cdr.Codec = &codec
	}

	if b := d.Bridge(); b != nil {
		stats := b.Stats()
		sent := int64(stats.PacketsSent)
		recvd := int64(stats.PacketsReceived)
		bytesSent := int64(stats.BytesSent)
		bytesRecvd := int64(stats.BytesReceived)
		cdr.RTPPacketsSent = &sent
		cdr.RTPPacketsReceived = &recvd
		cdr.RTPBytesSent = &bytesSent
		cdr.RTPBytesReceived = &bytesRecvd
	}

	if err := e.repo.Update(ctx, cdr); err != nil {
		e.logger.Error("failed to finalize cdr",
			"call_id", d.CallID,
			"error", err,
		)
		return
	}

	e.logger.Info("cdr finalized",
		"call_id", d.CallID,
		"cdr_id", cdr.ID,
		"status", cdr.Status,
		"total_duration", total,
	)
}

// statusForEnd maps the dialog's final state and SIP code to a CDR status.
func statusForEnd(final CallState, sipCode int) string {
	switch {
	case final == StateCompleted:
		return models.CDRStatusCompleted
	case final == StateCancelled || sipCode == 487:
		return models.CDRStatusCancelled
	case sipCode == 486:
		return models.CDRStatusBusy
	case sipCode == 603:
		return models.CDRStatusRejected
	case sipCode == 408:
		return models.CDRStatusNoAnswer
	default:
		return models.CDRStatusFailed
	}
}

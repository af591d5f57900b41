package sip

import (
	"context"
	"sync"
	"testing"

	"github.com/relaypbx/relaypbx/internal/store"
	"github.com/relaypbx/relaypbx/internal/store/models"
)

// memCDRRepo is an in-memory CDRRepository for handler tests.
type memCDRRepo struct {
	mu   sync.Mutex
	byID map[string]*models.CDR
}

func newMemCDRRepo() *memCDRRepo {
	return &memCDRRepo{byID: make(map[string]*models.CDR)}
}

func (m *memCDRRepo) Create(_ context.Context, cdr *models.CDR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *cdr
	m.byID[cdr.ID] = &clone
	return nil
}

func (m *memCDRRepo) Update(_ context.Context, cdr *models.CDR) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *cdr
	m.byID[cdr.ID] = &clone
	return nil
}

func (m *memCDRRepo) GetByID(_ context.Context, id string) (*models.CDR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[id]; ok {
		clone := *c
		return &clone, nil
	}
	return nil, nil
}

func (m *memCDRRepo) GetByCallID(_ context.Context, callID string) (*models.CDR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID {
		if c.CallID == callID {
			clone := *c
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *memCDRRepo) List(context.Context, store.CDRFilters, int, int) ([]models.CDR, error) {
	return nil, nil
}

func (m *memCDRRepo) Count(context.Context, store.CDRFilters) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.byID)), nil
}

func (m *memCDRRepo) DeleteOlderThan(context.Context, int) (int64, error) { return 0, nil }

func TestCDREmitterLifecycle(t *testing.T) {
	repo := newMemCDRRepo()
	emitter := NewCDREmitter(repo, testLogger())
	dm := testDialogManager(nil)

	d := createTestDialog(t, dm, "cdr-call-1")
	emitter.Open(d)
	if d.CDRID == "" {
		t.Fatal("cdr id not stamped on dialog")
	}

	cdr, _ := repo.GetByCallID(context.Background(), "cdr-call-1")
	if cdr == nil {
		t.Fatal("cdr not created")
	}
	if cdr.Status != models.CDRStatusActive {
		t.Errorf("status = %q", cdr.Status)
	}
	if cdr.CallerUsername != "alice" || cdr.CalleeUsername != "bob" {
		t.Errorf("parties = %q -> %q", cdr.CallerUsername, cdr.CalleeUsername)
	}
	if cdr.CallerIP != "10.0.0.2" {
		t.Errorf("caller ip = %q", cdr.CallerIP)
	}

	d.Transition(StateTrying)
	d.Transition(StateEstablished)
	emitter.MarkAnswered(d)

	cdr, _ = repo.GetByID(context.Background(), d.CDRID)
	if cdr.AnswerTime == nil {
		t.Error("answer time not recorded")
	}
	if cdr.SetupDuration == nil {
		t.Error("setup duration not recorded")
	}

	dm.Terminate("cdr-call-1", StateCompleted, "caller bye", 200)
	emitter.Finalize(d, "PCMU")

	cdr, _ = repo.GetByID(context.Background(), d.CDRID)
	if cdr.Status != models.CDRStatusCompleted {
		t.Errorf("final status = %q", cdr.Status)
	}
	if cdr.EndTime == nil || cdr.TotalDuration == nil || cdr.CallDuration == nil {
		t.Error("end fields not recorded")
	}
	if *cdr.CallDuration < 0 {
		t.Errorf("call duration = %d", *cdr.CallDuration)
	}
	if cdr.Codec == nil || *cdr.Codec != "PCMU" {
		t.Errorf("codec = %v", cdr.Codec)
	}
	if cdr.SIPResponseCode == nil || *cdr.SIPResponseCode != 200 {
		t.Errorf("sip code = %v", cdr.SIPResponseCode)
	}
}

func TestCDRStatusMapping(t *testing.T) {
	cases := []struct {
		final CallState
		code  int
		want  string
	}{
		{StateCompleted, 200, models.CDRStatusCompleted},
		{StateCancelled, 487, models.CDRStatusCancelled},
		{StateFailed, 486, models.CDRStatusBusy},
		{StateFailed, 603, models.CDRStatusRejected},
		{StateFailed, 408, models.CDRStatusNoAnswer},
		{StateFailed, 500, models.CDRStatusFailed},
		{StateFailed, 404, models.CDRStatusFailed},
	}

	for _, tc := range cases {
		if got := statusForEnd(tc.final, tc.code); got != tc.want {
			t.Errorf("statusForEnd(%s, %d) = %q, want %q", tc.final, tc.code, got, tc.want)
		}
	}
}

func TestCDRCancelledCall(t *testing.T) {
	repo := newMemCDRRepo()
	emitter := NewCDREmitter(repo, testLogger())
	dm := testDialogManager(nil)

	d := createTestDialog(t, dm, "cdr-call-2")
	emitter.Open(d)
	d.Transition(StateTrying)
	d.Transition(StateRinging)

	dm.Terminate("cdr-call-2", StateCancelled, "cancelled by caller", 487)
	emitter.Finalize(d, "")

	cdr, _ := repo.GetByID(context.Background(), d.CDRID)
	if cdr.Status != models.CDRStatusCancelled {
		t.Errorf("status = %q", cdr.Status)
	}
	if cdr.SIPResponseCode == nil || *cdr.SIPResponseCode != 487 {
		t.Errorf("sip code = %v", cdr.SIPResponseCode)
	}
	if cdr.AnswerTime != nil {
		t.Error("cancelled call should have no answer time")
	}
	if cdr.CallDuration != nil {
		t.Error("cancelled call should have no call duration")
	}
}

func TestCDREmitterToleratesNilRepo(t *testing.T) {
	emitter := NewCDREmitter(nil, testLogger())
	dm := testDialogManager(nil)
	d := createTestDialog(t, dm, "cdr-call-3")

	// All methods are no-ops without a repository.
	emitter.Open(d)
	emitter.MarkAnswered(d)
	emitter.Finalize(d, "")

	if d.CDRID != "" {
		t.Error("cdr id should not be stamped without a repository")
	}
}

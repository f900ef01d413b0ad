package runner

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/assert"

	"go_service_manager/model"
)

type testSystemd struct {
	mu sync.Mutex

	units        map[string]UnitStatus
	startErr     error
	stopErr      error
	stoppedUnits []string
}

func newTestSystemd() *testSystemd {
	return &testSystemd{units: make(map[string]UnitStatus)}
}

func (s *testSystemd) setUnit(name, state string, exitCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.units[name] = UnitStatus{Name: name, ActiveState: state, ExitCode: exitCode}
}

func (s *testSystemd) StartUnit(name, mode string, timeout time.Duration) error {
	if s.startErr != nil {
		return s.startErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[name]; !ok {
		s.units[name] = UnitStatus{Name: name, ActiveState: UnitStateActive}
	}

	return nil
}

func (s *testSystemd) StopUnit(name, mode string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stoppedUnits = append(s.stoppedUnits, name)

	if s.stopErr != nil {
		return s.stopErr
	}

	if _, ok := s.units[name]; !ok {
		return model.NewError(model.ErrNotFound, "unit not found")
	}

	delete(s.units, name)

	return nil
}

func (s *testSystemd) ResetFailedUnit(name string) error { return nil }

func (s *testSystemd) ListUnits() ([]UnitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	units := make([]UnitStatus, 0, len(s.units))
	for _, unit := range s.units {
		units = append(units, unit)
	}

	return units, nil
}

func (s *testSystemd) GetUnitStatus(name string) (UnitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if unit, ok := s.units[name]; ok {
		return unit, nil
	}

	return UnitStatus{}, model.NewError(model.ErrNotFound, "unit not found")
}

func (s *testSystemd) GetUnitMainPID(name string) (int32, error) { return 1234, nil }

func (s *testSystemd) Close() error { return nil }

type testReceiver struct {
	mu      sync.Mutex
	updates [][]model.RunStatus
}

func (r *testReceiver) UpdateRunStatus(statuses []model.RunStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.updates = append(r.updates, statuses)
}

func (r *testReceiver) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.updates)
}

func TestStartInstanceActive(t *testing.T) {
	systemd := newTestSystemd()
	dropIns := t.TempDir()

	r := New(systemd, &testReceiver{}, dropIns)
	defer r.Stop()

	status := r.StartInstance("svc_sub_0", model.RunParameters{})

	assert.Equal(t, status.State, model.InstanceStateActive)
	assert.NilError(t, status.Err)

	content, err := os.ReadFile(filepath.Join(dropIns, "aos-service@svc_sub_0.service.d", "parameters.conf"))
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(content), "StartLimitIntervalSec=5s"))
	assert.Assert(t, strings.Contains(string(content), "StartLimitBurst=3"))
	assert.Assert(t, strings.Contains(string(content), "RestartSec=1s"))
}

func TestStartInstanceFailedWithExitCode(t *testing.T) {
	systemd := newTestSystemd()
	systemd.setUnit(UnitName("svc_sub_1"), UnitStateFailed, 42)

	r := New(systemd, &testReceiver{}, t.TempDir())
	defer r.Stop()

	status := r.StartInstance("svc_sub_1", model.RunParameters{StartInterval: 100 * time.Millisecond})

	assert.Equal(t, status.State, model.InstanceStateFailed)
	assert.Assert(t, status.Err != nil)

	aosErr := model.ErrorFromErr(status.Err)
	assert.Equal(t, aosErr.ExitCode, 42)
}

func TestStopUnknownInstanceIsNotAnError(t *testing.T) {
	r := New(newTestSystemd(), &testReceiver{}, t.TempDir())
	defer r.Stop()

	assert.NilError(t, r.StopInstance("unknown_sub_0"))
}

func TestStopRemovesDropIns(t *testing.T) {
	systemd := newTestSystemd()
	dropIns := t.TempDir()

	r := New(systemd, &testReceiver{}, dropIns)
	defer r.Stop()

	r.StartInstance("svc_sub_0", model.RunParameters{})
	assert.NilError(t, r.StopInstance("svc_sub_0"))

	_, err := os.Stat(filepath.Join(dropIns, "aos-service@svc_sub_0.service.d"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestMonitorReportsFailureTransition(t *testing.T) {
	systemd := newTestSystemd()
	receiver := &testReceiver{}

	r := New(systemd, receiver, t.TempDir())
	defer r.Stop()

	status := r.StartInstance("svc_sub_0", model.RunParameters{})
	assert.Equal(t, status.State, model.InstanceStateActive)

	systemd.setUnit(UnitName("svc_sub_0"), UnitStateFailed, 1)

	deadline := time.Now().Add(5 * time.Second)
	for receiver.updateCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	assert.Assert(t, receiver.updateCount() > 0)

	receiver.mu.Lock()
	last := receiver.updates[len(receiver.updates)-1]
	receiver.mu.Unlock()

	assert.Equal(t, len(last), 1)
	assert.Equal(t, last[0].InstanceID, "svc_sub_0")
	assert.Equal(t, last[0].State, model.InstanceStateFailed)
}

func TestNoUpdateWhenNothingChanged(t *testing.T) {
	systemd := newTestSystemd()
	receiver := &testReceiver{}

	r := New(systemd, receiver, t.TempDir())
	defer r.Stop()

	r.StartInstance("svc_sub_0", model.RunParameters{})

	time.Sleep(3 * statusPollPeriod)

	assert.Equal(t, receiver.updateCount(), 0)
}

func TestUnitNameRoundTrip(t *testing.T) {
	name := UnitName("svc_sub_7")
	assert.Equal(t, name, "aos-service@svc_sub_7.service")

	id, err := InstanceIDFromUnitName(name)
	assert.NilError(t, err)
	assert.Equal(t, id, "svc_sub_7")

	_, err = InstanceIDFromUnitName("sshd.service")
	assert.Assert(t, err != nil)
}

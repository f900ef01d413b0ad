package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go_service_manager/logger"
	"go_service_manager/model"
)

const (
	unitNamePrefix    = "aos-service@"
	unitNameSuffix    = ".service"
	parametersFile    = "parameters.conf"
	defaultDropInsDir = "/run/systemd/system"

	statusPollPeriod       = 1 * time.Second
	defaultStartInterval   = 5 * time.Second
	defaultStartBurst      = 3
	defaultRestartInterval = 1 * time.Second
	defaultStopTimeout     = 5 * time.Second
	startTimeMultiplier    = 2
)

// Supervisor unit active states.
const (
	UnitStateActive     = "active"
	UnitStateFailed     = "failed"
	UnitStateInactive   = "inactive"
	UnitStateActivating = "activating"
)

// UnitStatus is one supervisor unit state snapshot.
type UnitStatus struct {
	Name        string
	ActiveState string
	ExitCode    int
}

// SystemdConn abstracts the OS service supervisor connection.
type SystemdConn interface {
	StartUnit(name, mode string, timeout time.Duration) error
	StopUnit(name, mode string, timeout time.Duration) error
	ResetFailedUnit(name string) error
	ListUnits() ([]UnitStatus, error)
	GetUnitStatus(name string) (UnitStatus, error)
	GetUnitMainPID(name string) (int32, error)
	Close() error
}

// RunStatusReceiver consumes aggregate run state updates.
type RunStatusReceiver interface {
	UpdateRunStatus(statuses []model.RunStatus)
}

type startingUnit struct {
	runState string
	exitCode int
	failed   chan struct{}
}

type runningUnit struct {
	runState string
	exitCode int
}

// Runner starts and stops instances as supervised OS units and publishes
// aggregate run state transitions.
type Runner struct {
	mu sync.Mutex

	systemd    SystemdConn
	receiver   RunStatusReceiver
	dropInsDir string

	startingUnits map[string]*startingUnit
	runningUnits  map[string]runningUnit

	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates the runner and launches its unit monitoring thread.
func New(systemd SystemdConn, receiver RunStatusReceiver, dropInsDir string) *Runner {
	if dropInsDir == "" {
		dropInsDir = defaultDropInsDir
	}

	r := &Runner{
		systemd:       systemd,
		receiver:      receiver,
		dropInsDir:    dropInsDir,
		startingUnits: make(map[string]*startingUnit),
		runningUnits:  make(map[string]runningUnit),
		stopChan:      make(chan struct{}),
	}

	go r.monitorUnits()

	return r
}

// Stop terminates the monitoring thread and closes the supervisor
// connection.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })

	if err := r.systemd.Close(); err != nil {
		logger.ErrorLogger().Printf("Error closing systemd connection: %v", err)
	}
}

// StartInstance writes the run parameters drop-in, starts the unit and
// waits for it to settle.
func (r *Runner) StartInstance(instanceID string, params model.RunParameters) model.RunStatus {
	status := model.RunStatus{InstanceID: instanceID, State: model.InstanceStateFailed}

	fixed := fixupRunParameters(params)

	logger.InfoLogger().Printf(
		"Start service instance: instanceID=%s, startInterval=%v, startBurst=%d, restartInterval=%v",
		instanceID, fixed.StartInterval, fixed.StartBurst, fixed.RestartInterval)

	unitName := UnitName(instanceID)

	if err := r.setRunParameters(unitName, fixed); err != nil {
		status.Err = err
		return status
	}

	startTimeout := startTimeMultiplier * fixed.StartInterval

	if err := r.systemd.StartUnit(unitName, "replace", startTimeout); err != nil {
		status.Err = model.Errorf(model.ErrFailed, "error starting unit: %v", err)
		return status
	}

	state, err := r.waitStartingUnit(unitName, startTimeout)

	status.State = state
	status.Err = err

	logger.InfoLogger().Printf("Start instance: name=%s, state=%s, err=%v", unitName, state, err)

	return status
}

// StopInstance stops the unit, resets its failed state and removes the
// drop-in directory. A not loaded unit is not an error.
func (r *Runner) StopInstance(instanceID string) error {
	logger.InfoLogger().Printf("Stop service instance: %s", instanceID)

	unitName := UnitName(instanceID)

	r.mu.Lock()
	delete(r.runningUnits, unitName)
	r.mu.Unlock()

	err := r.systemd.StopUnit(unitName, "replace", defaultStopTimeout)
	if err != nil {
		if model.IsErrorCode(err, model.ErrNotFound) {
			logger.InfoLogger().Printf("Service not loaded: id=%s", instanceID)
			err = nil
		}
	}

	if resetErr := r.systemd.ResetFailedUnit(unitName); resetErr != nil {
		if !model.IsErrorCode(resetErr, model.ErrNotFound) && err == nil {
			err = resetErr
		}
	}

	if rmErr := r.removeRunParameters(unitName); rmErr != nil && err == nil {
		err = rmErr
	}

	return err
}

// InstancePID returns the main PID of an instance unit.
func (r *Runner) InstancePID(instanceID string) (int32, error) {
	return r.systemd.GetUnitMainPID(UnitName(instanceID))
}

// UnitName renders the supervisor unit name of an instance.
func UnitName(instanceID string) string {
	return unitNamePrefix + instanceID + unitNameSuffix
}

// InstanceIDFromUnitName is the inverse of UnitName.
func InstanceIDFromUnitName(unitName string) (string, error) {
	if !strings.HasPrefix(unitName, unitNamePrefix) || !strings.HasSuffix(unitName, unitNameSuffix) {
		return "", model.Errorf(model.ErrInvalidArgument, "not an aos service unit: %s", unitName)
	}

	return strings.TrimSuffix(strings.TrimPrefix(unitName, unitNamePrefix), unitNameSuffix), nil
}

func fixupRunParameters(params model.RunParameters) model.RunParameters {
	if params.StartInterval == 0 {
		params.StartInterval = defaultStartInterval
	}
	if params.StartBurst == 0 {
		params.StartBurst = defaultStartBurst
	}
	if params.RestartInterval == 0 {
		params.RestartInterval = defaultRestartInterval
	}

	return params
}

func (r *Runner) setRunParameters(unitName string, params model.RunParameters) error {
	content := fmt.Sprintf("[Unit]\nStartLimitIntervalSec=%ds\nStartLimitBurst=%d\n\n[Service]\nRestartSec=%ds\n",
		int(params.StartInterval.Seconds()), params.StartBurst, int(params.RestartInterval.Seconds()))

	dir := filepath.Join(r.dropInsDir, unitName+".d")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating drop-in dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, parametersFile), []byte(content), 0o644); err != nil {
		return fmt.Errorf("error writing drop-in: %w", err)
	}

	return nil
}

func (r *Runner) removeRunParameters(unitName string) error {
	if err := os.RemoveAll(filepath.Join(r.dropInsDir, unitName+".d")); err != nil {
		return fmt.Errorf("error removing drop-in dir: %w", err)
	}

	return nil
}

// waitStartingUnit registers the unit in the starting table and waits for
// its final state. The monitoring thread notifies on failure; otherwise the
// state observed after startTimeout decides.
func (r *Runner) waitStartingUnit(unitName string, startTimeout time.Duration) (string, error) {
	initial, err := r.systemd.GetUnitStatus(unitName)
	if err != nil {
		return model.InstanceStateFailed, model.Errorf(model.ErrFailed, "failed to get unit status: %v", err)
	}

	unit := &startingUnit{
		runState: initial.ActiveState,
		exitCode: initial.ExitCode,
		failed:   make(chan struct{}),
	}

	r.mu.Lock()
	r.startingUnits[unitName] = unit
	r.mu.Unlock()

	if initial.ActiveState != UnitStateActive && initial.ActiveState != UnitStateFailed {
		select {
		case <-unit.failed:
		case <-time.After(startTimeout):
		case <-r.stopChan:
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runState := unit.runState
	exitCode := unit.exitCode

	delete(r.startingUnits, unitName)

	if runState != UnitStateActive {
		if exitCode != 0 {
			return model.InstanceStateFailed, model.NewExitError(exitCode, "failed to start unit")
		}
		return model.InstanceStateFailed, model.NewError(model.ErrFailed, "failed to start unit")
	}

	r.runningUnits[unitName] = runningUnit{runState: model.InstanceStateActive, exitCode: exitCode}

	return model.InstanceStateActive, nil
}

// monitorUnits polls the supervisor and publishes run status batches when
// the aggregate changed.
func (r *Runner) monitorUnits() {
	for {
		select {
		case <-r.stopChan:
			return

		case <-time.After(statusPollPeriod):
		}

		units, err := r.systemd.ListUnits()
		if err != nil {
			logger.ErrorLogger().Printf("Systemd list units failed: %v", err)
			continue
		}

		r.mu.Lock()

		changed := false

		for _, unit := range units {
			if starting, ok := r.startingUnits[unit.Name]; ok {
				starting.runState = unit.ActiveState
				starting.exitCode = unit.ExitCode

				// systemd keeps a failed unit failed: report the final state.
				if unit.ActiveState == UnitStateFailed {
					select {
					case <-starting.failed:
					default:
						close(starting.failed)
					}
				}
			}

			if running, ok := r.runningUnits[unit.Name]; ok {
				instanceState := toInstanceState(unit.ActiveState)

				if instanceState != running.runState || unit.ExitCode != running.exitCode {
					r.runningUnits[unit.Name] = runningUnit{runState: instanceState, exitCode: unit.ExitCode}
					changed = true
				}
			}
		}

		var statuses []model.RunStatus

		if changed {
			statuses = r.runStatusesLocked()
		}

		r.mu.Unlock()

		if changed && r.receiver != nil {
			r.receiver.UpdateRunStatus(statuses)
		}
	}
}

func (r *Runner) runStatusesLocked() []model.RunStatus {
	statuses := make([]model.RunStatus, 0, len(r.runningUnits))

	for name, unit := range r.runningUnits {
		instanceID, err := InstanceIDFromUnitName(name)
		if err != nil {
			continue
		}

		status := model.RunStatus{InstanceID: instanceID, State: unit.runState, ExitCode: unit.exitCode}
		if unit.exitCode != 0 {
			status.Err = model.NewExitError(unit.exitCode, "unit failed")
		}

		statuses = append(statuses, status)
	}

	return statuses
}

// toInstanceState maps supervisor states to the upstream view. Only an
// explicit supervisor failure counts as Failed so transient reload states
// do not flap.
func toInstanceState(activeState string) string {
	if activeState == UnitStateFailed {
		return model.InstanceStateFailed
	}

	return model.InstanceStateActive
}

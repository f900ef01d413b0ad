package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	systemddbus "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"

	"go_service_manager/model"
)

const noSuchUnitError = "org.freedesktop.systemd1.NoSuchUnit"

// systemdConn is the production SystemdConn over the supervisor's D-Bus
// API.
type systemdConn struct {
	conn *systemddbus.Conn
}

// NewSystemdConn connects to the system bus supervisor instance.
func NewSystemdConn() (SystemdConn, error) {
	conn, err := systemddbus.NewSystemConnectionContext(context.Background())
	if err != nil {
		return nil, fmt.Errorf("error connecting to systemd: %w", err)
	}

	return &systemdConn{conn: conn}, nil
}

func (s *systemdConn) StartUnit(name, mode string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resultChan := make(chan string, 1)

	if _, err := s.conn.StartUnitContext(ctx, name, mode, resultChan); err != nil {
		return coerceDbusError(err)
	}

	select {
	case result := <-resultChan:
		if result != "done" {
			return model.Errorf(model.ErrFailed, "start job finished with result %s", result)
		}
		return nil

	case <-ctx.Done():
		return model.Errorf(model.ErrTimeout, "start unit %s timed out", name)
	}
}

func (s *systemdConn) StopUnit(name, mode string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resultChan := make(chan string, 1)

	if _, err := s.conn.StopUnitContext(ctx, name, mode, resultChan); err != nil {
		return coerceDbusError(err)
	}

	select {
	case result := <-resultChan:
		if result != "done" {
			return model.Errorf(model.ErrFailed, "stop job finished with result %s", result)
		}
		return nil

	case <-ctx.Done():
		return model.Errorf(model.ErrTimeout, "stop unit %s timed out", name)
	}
}

func (s *systemdConn) ResetFailedUnit(name string) error {
	if err := s.conn.ResetFailedUnitContext(context.Background(), name); err != nil {
		return coerceDbusError(err)
	}

	return nil
}

func (s *systemdConn) ListUnits() ([]UnitStatus, error) {
	units, err := s.conn.ListUnitsContext(context.Background())
	if err != nil {
		return nil, coerceDbusError(err)
	}

	statuses := make([]UnitStatus, 0, len(units))

	for _, unit := range units {
		status := UnitStatus{Name: unit.Name, ActiveState: unit.ActiveState}

		if unit.ActiveState == UnitStateFailed {
			status.ExitCode = s.execMainStatus(unit.Name)
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

func (s *systemdConn) GetUnitStatus(name string) (UnitStatus, error) {
	property, err := s.conn.GetUnitPropertyContext(context.Background(), name, "ActiveState")
	if err != nil {
		return UnitStatus{}, coerceDbusError(err)
	}

	activeState, ok := property.Value.Value().(string)
	if !ok {
		return UnitStatus{}, model.Errorf(model.ErrFailed, "unexpected ActiveState type for %s", name)
	}

	status := UnitStatus{Name: name, ActiveState: activeState}

	if activeState == UnitStateFailed {
		status.ExitCode = s.execMainStatus(name)
	}

	return status, nil
}

func (s *systemdConn) GetUnitMainPID(name string) (int32, error) {
	property, err := s.conn.GetServicePropertyContext(context.Background(), name, "MainPID")
	if err != nil {
		return 0, coerceDbusError(err)
	}

	if pid, ok := property.Value.Value().(uint32); ok {
		return int32(pid), nil
	}

	return 0, model.Errorf(model.ErrFailed, "unexpected MainPID type for %s", name)
}

func (s *systemdConn) Close() error {
	s.conn.Close()
	return nil
}

func (s *systemdConn) execMainStatus(name string) int {
	property, err := s.conn.GetServicePropertyContext(context.Background(), name, "ExecMainStatus")
	if err != nil {
		return 0
	}

	if code, ok := property.Value.Value().(int32); ok {
		return int(code)
	}

	return 0
}

// coerceDbusError maps D-Bus error names to the local taxonomy.
func coerceDbusError(err error) error {
	var dbusErr godbus.Error

	if errors.As(err, &dbusErr) && dbusErr.Name == noSuchUnitError {
		return model.Errorf(model.ErrNotFound, "unit not found: %v", err)
	}

	return model.ErrorFromErr(err)
}

package resourcemanager

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"gotest.tools/assert"

	"go_service_manager/model"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (r *alertRecorder) SendAlert(alert model.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *alertRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func writeNodeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "aos_node.cfg")
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func testIdent(instance uint64) model.InstanceIdent {
	return model.InstanceIdent{ServiceID: "svc", SubjectID: "sub", Instance: instance}
}

func TestParseNodeConfig(t *testing.T) {
	path := writeNodeConfig(t, `{
		"version": "1.0.0",
		"nodeType": "edge",
		"alertRules": {"ram": {"high": 1000, "low": 800}},
		"resourceLimits": {"ramLimit": 1048576, "pidsLimit": 100},
		"devices": [{"name": "camera", "sharedCount": 1, "hostDevices": ["/dev/null"]}],
		"resources": [{"name": "gpu", "env": ["GPU=1"]}]
	}`)

	rm, err := New(path, &alertRecorder{})
	assert.NilError(t, err)

	version, configErr := rm.GetNodeConfigStatus()
	assert.NilError(t, configErr)
	assert.Equal(t, version, "1.0.0")

	nodeConfig := rm.NodeConfig()
	assert.Equal(t, nodeConfig.NodeType, "edge")
	assert.Equal(t, nodeConfig.AlertRules.RAM.High, uint64(1000))
	assert.Equal(t, nodeConfig.Limits.PIDsLimit, int64(100))

	device, err := rm.GetDeviceInfo("camera")
	assert.NilError(t, err)
	assert.Equal(t, device.SharedCount, 1)

	resource, err := rm.GetResourceInfo("gpu")
	assert.NilError(t, err)
	assert.Equal(t, resource.Env[0], "GPU=1")
}

func TestMissingNodeConfigIsEmpty(t *testing.T) {
	rm, err := New(filepath.Join(t.TempDir(), "absent.cfg"), &alertRecorder{})
	assert.NilError(t, err)

	_, configErr := rm.GetNodeConfigStatus()
	assert.NilError(t, configErr)

	_, err = rm.GetDeviceInfo("camera")
	assert.Assert(t, model.IsErrorCode(err, model.ErrNotFound))
}

func TestMissingDeviceRaisesValidateAlert(t *testing.T) {
	path := writeNodeConfig(t, `{
		"nodeType": "edge",
		"devices": [{"name": "camera", "hostDevices": ["/dev/does-not-exist"]}]
	}`)

	alerts := &alertRecorder{}

	rm, err := New(path, alerts)
	assert.NilError(t, err)

	_, configErr := rm.GetNodeConfigStatus()
	assert.Assert(t, model.IsErrorCode(configErr, model.ErrValidation))
	assert.Equal(t, alerts.count(), 1)
}

func TestDeviceSharedCount(t *testing.T) {
	path := writeNodeConfig(t, `{
		"devices": [{"name": "camera", "sharedCount": 1, "hostDevices": ["/dev/null"]}]
	}`)

	alerts := &alertRecorder{}

	rm, err := New(path, alerts)
	assert.NilError(t, err)

	assert.NilError(t, rm.AllocateDevice("camera", testIdent(0)))

	// Re-allocating for the same instance is idempotent.
	assert.NilError(t, rm.AllocateDevice("camera", testIdent(0)))

	err = rm.AllocateDevice("camera", testIdent(1))
	assert.Assert(t, err != nil)
	assert.Equal(t, alerts.count(), 1)

	rm.ReleaseDevices(testIdent(0))
	assert.NilError(t, rm.AllocateDevice("camera", testIdent(1)))
}

func TestUnknownDeviceAllocation(t *testing.T) {
	path := writeNodeConfig(t, `{}`)

	alerts := &alertRecorder{}

	rm, err := New(path, alerts)
	assert.NilError(t, err)

	err = rm.AllocateDevice("missing", testIdent(0))
	assert.Assert(t, model.IsErrorCode(err, model.ErrNotFound))
	assert.Equal(t, alerts.count(), 1)
}

func TestResolveDevicePaths(t *testing.T) {
	path := writeNodeConfig(t, `{
		"devices": [{"name": "null", "hostDevices": ["/dev/null"]}]
	}`)

	rm, err := New(path, &alertRecorder{})
	assert.NilError(t, err)

	paths, err := rm.ResolveDevicePaths("null")
	assert.NilError(t, err)
	assert.Equal(t, len(paths), 1)
	assert.Equal(t, paths[0], "/dev/null")
}

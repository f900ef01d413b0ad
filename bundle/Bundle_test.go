package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/runtime-spec/specs-go"
	"gotest.tools/assert"

	"go_service_manager/model"
	"go_service_manager/resourcemanager"
)

func testParams() Params {
	return Params{
		Instance: model.InstanceInfo{
			InstanceIdent: model.InstanceIdent{ServiceID: "svc", SubjectID: "sub", Instance: 0},
			UID:           5000,
		},
		Service:   model.ServiceData{Path: "/services/abc", GID: 1000},
		Layers:    []model.LayerData{{Path: "/layers/l1"}, {Path: "/layers/l2"}},
		Limits:    resourcemanager.ResourceLimits{RAMLimit: 1 << 20, PIDsLimit: 50},
		Env:       []string{"LOG_LEVEL=debug"},
		NetnsPath: "/run/netns/aos-svc_sub_0",
	}
}

func newTestAssembler(t *testing.T) *Assembler {
	t.Helper()

	assembler, err := NewAssembler(filepath.Join(t.TempDir(), "runtime"))
	assert.NilError(t, err)

	// Use a synthetic host root so the test does not depend on / contents
	// or on mknod privileges for real whiteouts.
	hostRoot := t.TempDir()
	for _, entry := range []string{"bin", "etc", "home"} {
		assert.NilError(t, os.Mkdir(filepath.Join(hostRoot, entry), 0o755))
	}
	assembler.hostRoot = hostRoot

	return assembler
}

func TestCreateBundleLayout(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root for whiteout device nodes")
	}

	assembler := newTestAssembler(t)

	params := testParams()
	params.HostBinds = []string{"bin"}

	bundle, err := assembler.CreateBundle(params)
	assert.NilError(t, err)

	for _, dir := range []string{"rootfs", "whiteouts", "upper", "work"} {
		info, err := os.Stat(filepath.Join(bundle.Path, dir))
		assert.NilError(t, err)
		assert.Assert(t, info.IsDir())
	}

	// Host entries not in hostBinds are masked by 0-mode char devices.
	for _, masked := range []string{"etc", "home"} {
		info, err := os.Stat(filepath.Join(bundle.Path, "whiteouts", masked))
		assert.NilError(t, err)
		assert.Equal(t, info.Mode()&os.ModeCharDevice, os.ModeCharDevice)
		assert.Equal(t, info.Mode().Perm(), os.FileMode(0))
	}

	_, err = os.Stat(filepath.Join(bundle.Path, "whiteouts", "bin"))
	assert.Assert(t, os.IsNotExist(err))

	// Lower dirs top to bottom: whiteouts, service, layers, host root.
	assert.Equal(t, len(bundle.LowerDirs), 5)
	assert.Equal(t, bundle.LowerDirs[0], filepath.Join(bundle.Path, "whiteouts"))
	assert.Equal(t, bundle.LowerDirs[1], "/services/abc")
	assert.Equal(t, bundle.LowerDirs[4], "/")
}

func TestRuntimeSpecContent(t *testing.T) {
	assembler := newTestAssembler(t)

	spec := assembler.createRuntimeSpec(testParams(), nil)

	assert.Equal(t, spec.Hostname, "svc_sub_0")
	assert.Equal(t, spec.Process.User.UID, uint32(5000))
	assert.Equal(t, spec.Process.User.GID, uint32(1000))
	assert.Equal(t, spec.Root.Path, "rootfs")

	assert.Assert(t, contains(spec.Process.Env, "HOSTNAME=svc_sub_0"))
	assert.Assert(t, contains(spec.Process.Env, "LOG_LEVEL=debug"))

	assert.Equal(t, *spec.Linux.Resources.Memory.Limit, int64(1<<20))
	assert.Equal(t, spec.Linux.Resources.Pids.Limit, int64(50))

	netns := false
	for _, namespace := range spec.Linux.Namespaces {
		if namespace.Type == specs.NetworkNamespace {
			assert.Equal(t, namespace.Path, "/run/netns/aos-svc_sub_0")
			netns = true
		}
	}
	assert.Assert(t, netns)
}

func TestConfigJSONWritten(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root for whiteout device nodes")
	}

	assembler := newTestAssembler(t)

	bundle, err := assembler.CreateBundle(testParams())
	assert.NilError(t, err)

	data, err := os.ReadFile(filepath.Join(bundle.Path, "config.json"))
	assert.NilError(t, err)

	var spec specs.Spec
	assert.NilError(t, json.Unmarshal(data, &spec))
	assert.Equal(t, spec.Hostname, "svc_sub_0")

	assert.NilError(t, assembler.RemoveBundle("svc_sub_0"))

	_, err = os.Stat(bundle.Path)
	assert.Assert(t, os.IsNotExist(err))
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

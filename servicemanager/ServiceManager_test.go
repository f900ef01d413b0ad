package servicemanager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"gotest.tools/assert"

	"go_service_manager/model"
)

/***********************************************************************************************************************
 * Fakes
 **********************************************************************************************************************/

type fakeStorage struct {
	mu       sync.Mutex
	services map[string]model.ServiceData
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{services: make(map[string]model.ServiceData)}
}

func (s *fakeStorage) AddService(service model.ServiceData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.Digest] = service
	return nil
}

func (s *fakeStorage) GetService(serviceID, version string) (model.ServiceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, service := range s.services {
		if service.ServiceID == serviceID && service.Version == version {
			return service, nil
		}
	}
	return model.ServiceData{}, model.NewError(model.ErrNotFound, "service not found")
}

func (s *fakeStorage) GetServiceByDigest(serviceDigest string) (model.ServiceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if service, ok := s.services[serviceDigest]; ok {
		return service, nil
	}
	return model.ServiceData{}, model.NewError(model.ErrNotFound, "service not found")
}

func (s *fakeStorage) GetAllServices() ([]model.ServiceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var services []model.ServiceData
	for _, service := range s.services {
		services = append(services, service)
	}
	return services, nil
}

func (s *fakeStorage) SetServiceState(serviceDigest, state string, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	service, ok := s.services[serviceDigest]
	if !ok {
		return model.NewError(model.ErrNotFound, "service not found")
	}
	service.State = state
	service.Timestamp = timestamp
	s.services[serviceDigest] = service
	return nil
}

func (s *fakeStorage) RemoveService(serviceDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, serviceDigest)
	return nil
}

type fakeDownloader struct {
	fail bool
}

func (d *fakeDownloader) Download(ctx context.Context, url, dstPath string) error {
	if d.fail {
		return model.NewError(model.ErrNetwork, "download failed")
	}
	return os.WriteFile(dstPath, []byte("archive: "+url), 0o644)
}

type fakeImageHandler struct {
	validationErr error
}

func (h *fakeImageHandler) CheckFileInfo(path string, expectedSize uint64, expectedSHA256 []byte) error {
	return h.validationErr
}

func (h *fakeImageHandler) UnpackedSize(archivePath string) (uint64, error) {
	return 64, nil
}

func (h *fakeImageHandler) InstallImage(archivePath, installDir string) (digest.Digest, uint64, error) {
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return "", 0, err
	}
	if err := os.WriteFile(filepath.Join(installDir, "rootfs"), []byte("content"), 0o644); err != nil {
		return "", 0, err
	}
	return digest.FromString(installDir), 64, nil
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (r *alertRecorder) SendAlert(alert model.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

/***********************************************************************************************************************
 * Helpers
 **********************************************************************************************************************/

func newTestManager(t *testing.T, storage *fakeStorage, downloader *fakeDownloader,
	handler *fakeImageHandler) (*ServiceManager, *alertRecorder) {
	t.Helper()

	dir := t.TempDir()
	alerts := &alertRecorder{}

	sm, err := New(Config{
		ServicesDir: filepath.Join(dir, "services"),
		DownloadDir: filepath.Join(dir, "downloads"),
		TTL:         time.Hour,
	}, storage, downloader, handler, alerts)
	assert.NilError(t, err)

	t.Cleanup(sm.Stop)

	return sm, alerts
}

func serviceInfo(serviceID, version string) model.ServiceInfo {
	return model.ServiceInfo{
		ServiceID: serviceID,
		Version:   version,
		URL:       "http://cm/" + serviceID + "-" + version,
		SHA256:    []byte(serviceID + version),
		Size:      16,
	}
}

/***********************************************************************************************************************
 * Tests
 **********************************************************************************************************************/

func TestInstallService(t *testing.T) {
	storage := newFakeStorage()
	sm, _ := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	assert.NilError(t, sm.InstallService(context.Background(), serviceInfo("svc", "1.0")))

	service, err := sm.GetServiceInfo("svc", "1.0")
	assert.NilError(t, err)
	assert.Equal(t, service.State, model.ItemStateActive)

	_, err = os.Stat(service.Path)
	assert.NilError(t, err)
}

func TestInstallIsIdempotent(t *testing.T) {
	storage := newFakeStorage()
	sm, _ := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	info := serviceInfo("svc", "1.0")

	assert.NilError(t, sm.InstallService(context.Background(), info))
	assert.NilError(t, sm.InstallService(context.Background(), info))

	services, err := storage.GetAllServices()
	assert.NilError(t, err)
	assert.Equal(t, len(services), 1)
}

func TestInstallValidationFailure(t *testing.T) {
	storage := newFakeStorage()
	handler := &fakeImageHandler{validationErr: model.NewError(model.ErrValidation, "sha256 mismatch")}
	sm, _ := newTestManager(t, storage, &fakeDownloader{}, handler)

	err := sm.InstallService(context.Background(), serviceInfo("svc", "1.0"))
	assert.Assert(t, model.IsErrorCode(err, model.ErrValidation))

	services, _ := storage.GetAllServices()
	assert.Equal(t, len(services), 0)
}

func TestDownloadFailureSendsAlert(t *testing.T) {
	storage := newFakeStorage()
	sm, alerts := newTestManager(t, storage, &fakeDownloader{fail: true}, &fakeImageHandler{})

	err := sm.InstallService(context.Background(), serviceInfo("svc", "1.0"))
	assert.Assert(t, model.IsErrorCode(err, model.ErrNetwork))

	alerts.mu.Lock()
	defer alerts.mu.Unlock()

	assert.Equal(t, len(alerts.alerts), 1)
	_, ok := alerts.alerts[0].(model.DownloadAlert)
	assert.Assert(t, ok)
}

func TestProcessDesiredServicesMarksAbsentCached(t *testing.T) {
	storage := newFakeStorage()
	sm, _ := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	assert.NilError(t, sm.ProcessDesiredServices(context.Background(),
		[]model.ServiceInfo{serviceInfo("svc", "1.0")}))

	assert.NilError(t, sm.ProcessDesiredServices(context.Background(),
		[]model.ServiceInfo{serviceInfo("other", "1.0")}))

	service, err := storage.GetService("svc", "1.0")
	assert.NilError(t, err)
	assert.Equal(t, service.State, model.ItemStateCached)

	other, err := storage.GetService("other", "1.0")
	assert.NilError(t, err)
	assert.Equal(t, other.State, model.ItemStateActive)
}

func TestReferencedServiceIsNotRemovable(t *testing.T) {
	storage := newFakeStorage()
	sm, _ := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	assert.NilError(t, sm.InstallService(context.Background(), serviceInfo("svc", "1.0")))
	assert.NilError(t, sm.UseService("svc", "1.0"))

	service, err := storage.GetService("svc", "1.0")
	assert.NilError(t, err)

	err = sm.RemoveService(service.Digest)
	assert.Assert(t, err != nil)

	assert.NilError(t, sm.ReleaseService("svc", "1.0"))
	assert.NilError(t, sm.RemoveService(service.Digest))
}

func TestReleaseMakesServiceCached(t *testing.T) {
	storage := newFakeStorage()
	sm, _ := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	assert.NilError(t, sm.InstallService(context.Background(), serviceInfo("svc", "1.0")))
	assert.NilError(t, sm.UseService("svc", "1.0"))
	assert.NilError(t, sm.ReleaseService("svc", "1.0"))

	service, err := storage.GetService("svc", "1.0")
	assert.NilError(t, err)
	assert.Equal(t, service.State, model.ItemStateCached)
}

func TestOutdatedServicesRemovedAfterTTL(t *testing.T) {
	storage := newFakeStorage()
	sm, _ := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	assert.NilError(t, sm.InstallService(context.Background(), serviceInfo("svc", "1.0")))

	service, err := storage.GetService("svc", "1.0")
	assert.NilError(t, err)

	// Age the record past the TTL.
	assert.NilError(t, storage.SetServiceState(service.Digest, model.ItemStateCached,
		time.Now().Add(-2*time.Hour)))

	assert.NilError(t, sm.removeOutdatedServices())

	_, err = storage.GetService("svc", "1.0")
	assert.Assert(t, model.IsErrorCode(err, model.ErrNotFound))
}

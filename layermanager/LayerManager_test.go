package layermanager

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
	mu     sync.Mutex
	layers map[string]model.LayerData
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{layers: make(map[string]model.LayerData)}
}

func (s *fakeStorage) AddLayer(layer model.LayerData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers[layer.Digest] = layer
	return nil
}

func (s *fakeStorage) GetLayer(layerDigest string) (model.LayerData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if layer, ok := s.layers[layerDigest]; ok {
		return layer, nil
	}
	return model.LayerData{}, model.NewError(model.ErrNotFound, "layer not found")
}

func (s *fakeStorage) GetAllLayers() ([]model.LayerData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var layers []model.LayerData
	for _, layer := range s.layers {
		layers = append(layers, layer)
	}
	return layers, nil
}

func (s *fakeStorage) SetLayerState(layerDigest, state string, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	layer, ok := s.layers[layerDigest]
	if !ok {
		return model.NewError(model.ErrNotFound, "layer not found")
	}
	layer.State = state
	layer.Timestamp = timestamp
	s.layers[layerDigest] = layer
	return nil
}

func (s *fakeStorage) RemoveLayer(layerDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.layers, layerDigest)
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
	if err := os.WriteFile(filepath.Join(installDir, "content"), []byte("layer"), 0o644); err != nil {
		return "", 0, err
	}
	return digest.FromString(installDir), 64, nil
}

/***********************************************************************************************************************
 * Helpers
 **********************************************************************************************************************/

func newTestManager(t *testing.T, storage *fakeStorage, downloader *fakeDownloader,
	handler *fakeImageHandler) *LayerManager {
	t.Helper()

	dir := t.TempDir()

	lm, err := New(Config{
		LayersDir:   filepath.Join(dir, "layers"),
		DownloadDir: filepath.Join(dir, "downloads"),
		TTL:         time.Hour,
	}, storage, downloader, handler)
	assert.NilError(t, err)

	t.Cleanup(lm.Stop)

	return lm
}

func layerInfo(layerID string) model.LayerInfo {
	return model.LayerInfo{
		Digest:  digest.FromString(layerID).String(),
		LayerID: layerID,
		Version: "1.0",
		URL:     "http://cm/" + layerID,
		SHA256:  []byte(layerID),
		Size:    16,
	}
}

/***********************************************************************************************************************
 * Tests
 **********************************************************************************************************************/

func TestInstallLayer(t *testing.T) {
	storage := newFakeStorage()
	lm := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	info := layerInfo("layer1")

	assert.NilError(t, lm.InstallLayer(context.Background(), info))

	layer, err := lm.GetLayerInfo(info.Digest)
	assert.NilError(t, err)
	assert.Equal(t, layer.State, model.ItemStateActive)
	assert.Assert(t, layer.UnpackedDigest != "")

	_, err = os.Stat(layer.Path)
	assert.NilError(t, err)
}

func TestInstallLayerIsIdempotent(t *testing.T) {
	storage := newFakeStorage()
	lm := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	info := layerInfo("layer1")

	assert.NilError(t, lm.InstallLayer(context.Background(), info))
	assert.NilError(t, lm.InstallLayer(context.Background(), info))

	layers, err := storage.GetAllLayers()
	assert.NilError(t, err)
	assert.Equal(t, len(layers), 1)
}

func TestInstallLayerValidationFailure(t *testing.T) {
	storage := newFakeStorage()
	handler := &fakeImageHandler{validationErr: model.NewError(model.ErrValidation, "sha256 mismatch")}
	lm := newTestManager(t, storage, &fakeDownloader{}, handler)

	err := lm.InstallLayer(context.Background(), layerInfo("layer1"))
	assert.Assert(t, model.IsErrorCode(err, model.ErrValidation))

	layers, _ := storage.GetAllLayers()
	assert.Equal(t, len(layers), 0)
}

func TestInstallLayerDownloadFailure(t *testing.T) {
	storage := newFakeStorage()
	lm := newTestManager(t, storage, &fakeDownloader{fail: true}, &fakeImageHandler{})

	err := lm.InstallLayer(context.Background(), layerInfo("layer1"))
	assert.Assert(t, model.IsErrorCode(err, model.ErrNetwork))

	layers, _ := storage.GetAllLayers()
	assert.Equal(t, len(layers), 0)
}

func TestProcessDesiredLayersMarksAbsentCached(t *testing.T) {
	storage := newFakeStorage()
	lm := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	first := layerInfo("layer1")
	second := layerInfo("layer2")

	assert.NilError(t, lm.ProcessDesiredLayers(context.Background(), []model.LayerInfo{first}))
	assert.NilError(t, lm.ProcessDesiredLayers(context.Background(), []model.LayerInfo{second}))

	layer, err := storage.GetLayer(first.Digest)
	assert.NilError(t, err)
	assert.Equal(t, layer.State, model.ItemStateCached)

	layer, err = storage.GetLayer(second.Digest)
	assert.NilError(t, err)
	assert.Equal(t, layer.State, model.ItemStateActive)
}

func TestReferencedLayerIsNotEvicted(t *testing.T) {
	storage := newFakeStorage()
	lm := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	info := layerInfo("layer1")

	assert.NilError(t, lm.InstallLayer(context.Background(), info))
	assert.NilError(t, lm.UseLayer(info.Digest))

	// Age the record past the TTL; a referenced layer must survive.
	assert.NilError(t, storage.SetLayerState(info.Digest, model.ItemStateCached,
		time.Now().Add(-2*time.Hour)))

	assert.NilError(t, lm.removeOutdatedLayers())

	_, err := storage.GetLayer(info.Digest)
	assert.NilError(t, err)
}

func TestReleaseMakesLayerCached(t *testing.T) {
	storage := newFakeStorage()
	lm := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	info := layerInfo("layer1")

	assert.NilError(t, lm.InstallLayer(context.Background(), info))
	assert.NilError(t, lm.UseLayer(info.Digest))
	assert.NilError(t, lm.ReleaseLayer(info.Digest))

	layer, err := storage.GetLayer(info.Digest)
	assert.NilError(t, err)
	assert.Equal(t, layer.State, model.ItemStateCached)
}

func TestOutdatedLayersRemovedAfterTTL(t *testing.T) {
	storage := newFakeStorage()
	lm := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	info := layerInfo("layer1")

	assert.NilError(t, lm.InstallLayer(context.Background(), info))

	layer, err := storage.GetLayer(info.Digest)
	assert.NilError(t, err)

	assert.NilError(t, storage.SetLayerState(info.Digest, model.ItemStateCached,
		time.Now().Add(-2*time.Hour)))

	assert.NilError(t, lm.removeOutdatedLayers())

	_, err = storage.GetLayer(info.Digest)
	assert.Assert(t, model.IsErrorCode(err, model.ErrNotFound))

	_, err = os.Stat(layer.Path)
	assert.Assert(t, os.IsNotExist(err))
}

func TestInvalidLayerDigest(t *testing.T) {
	storage := newFakeStorage()
	lm := newTestManager(t, storage, &fakeDownloader{}, &fakeImageHandler{})

	info := layerInfo("layer1")
	info.Digest = "not-a-digest"

	err := lm.InstallLayer(context.Background(), info)
	assert.Assert(t, model.IsErrorCode(err, model.ErrInvalidArgument))
}

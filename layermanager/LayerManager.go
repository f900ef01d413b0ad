package layermanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"go_service_manager/logger"
	"go_service_manager/model"
	"go_service_manager/servicemanager"
	"go_service_manager/spaceallocator"
)

// Config configures the layer manager.
type Config struct {
	LayersDir            string
	DownloadDir          string
	PartLimit            uint
	TTL                  time.Duration
	RemoveOutdatedPeriod time.Duration
}

// Storage is the durable layer index.
type Storage interface {
	AddLayer(layer model.LayerData) error
	GetLayer(digest string) (model.LayerData, error)
	GetAllLayers() ([]model.LayerData, error)
	SetLayerState(digest, state string, timestamp time.Time) error
	RemoveLayer(digest string) error
}

// LayerManager is the content-addressed store of installed layers.
type LayerManager struct {
	mu sync.Mutex

	cfg               Config
	storage           Storage
	downloader        servicemanager.Downloader
	imageHandler      servicemanager.ImageInstaller
	allocator         *spaceallocator.Allocator
	downloadAllocator *spaceallocator.Allocator
	refCounts         map[string]uint
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// New creates the layer manager, restores pool accounting and starts the
// cleanup job.
func New(cfg Config, storage Storage, downloader servicemanager.Downloader,
	imageHandler servicemanager.ImageInstaller) (*LayerManager, error) {
	for _, dir := range []string{cfg.LayersDir, cfg.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating dir %s: %w", dir, err)
		}
	}

	lm := &LayerManager{
		cfg:          cfg,
		storage:      storage,
		downloader:   downloader,
		imageHandler: imageHandler,
		refCounts:    make(map[string]uint),
		stopChan:     make(chan struct{}),
	}

	var err error

	if lm.allocator, err = spaceallocator.New(cfg.LayersDir, cfg.PartLimit, lm); err != nil {
		return nil, err
	}
	if lm.downloadAllocator, err = spaceallocator.New(cfg.DownloadDir, 0, lm); err != nil {
		return nil, err
	}

	layers, err := storage.GetAllLayers()
	if err != nil {
		return nil, err
	}

	for _, layer := range layers {
		if layer.State == model.ItemStateCached {
			lm.allocator.AddOutdatedItem(layer.Digest, layer.Size, layer.Timestamp)
		} else {
			lm.allocator.AddItem(layer.Digest, layer.Size)
		}
	}

	if cfg.RemoveOutdatedPeriod > 0 {
		go lm.removeOutdatedRoutine()
	}

	return lm, nil
}

// Stop terminates the cleanup job.
func (lm *LayerManager) Stop() {
	lm.stopOnce.Do(func() { close(lm.stopChan) })
}

// ProcessDesiredLayers diffs the desired list against storage, installing
// unknown digests and marking absent ones cached.
func (lm *LayerManager) ProcessDesiredLayers(ctx context.Context, layers []model.LayerInfo) error {
	stored, err := lm.storage.GetAllLayers()
	if err != nil {
		return err
	}

	desired := make(map[string]bool)
	for _, info := range layers {
		desired[info.Digest] = true
	}

	var installErrs []error

	for _, info := range layers {
		if _, err := lm.storage.GetLayer(info.Digest); err == nil {
			continue
		}

		if err := lm.InstallLayer(ctx, info); err != nil {
			logger.ErrorLogger().Printf("Error installing layer: digest=%s, err=%v", info.Digest, err)
			installErrs = append(installErrs, fmt.Errorf("layer %s: %w", info.Digest, err))
		}
	}

	now := time.Now()

	for _, layer := range stored {
		if desired[layer.Digest] || layer.State == model.ItemStateCached {
			continue
		}

		lm.mu.Lock()
		referenced := lm.refCounts[layer.Digest] > 0
		lm.mu.Unlock()

		if referenced {
			continue
		}

		if err := lm.storage.SetLayerState(layer.Digest, model.ItemStateCached, now); err != nil {
			return err
		}

		lm.allocator.AddOutdatedItem(layer.Digest, layer.Size, now)
	}

	return errors.Join(installErrs...)
}

// InstallLayer downloads, validates and unpacks one layer. Idempotent for
// an already present digest.
func (lm *LayerManager) InstallLayer(ctx context.Context, info model.LayerInfo) error {
	logger.InfoLogger().Printf("Installing layer: layerID=%s, digest=%s", info.LayerID, info.Digest)

	if _, err := lm.storage.GetLayer(info.Digest); err == nil {
		return nil
	}

	downloadRes, err := lm.downloadAllocator.AllocateSpace(uuid.New().String(), info.Size)
	if err != nil {
		return err
	}
	defer func() {
		lm.downloadAllocator.RestoreAllocation(downloadRes)
	}()

	archivePath := filepath.Join(lm.cfg.DownloadDir, downloadRes.ID)
	defer os.Remove(archivePath)

	if err = lm.downloader.Download(ctx, info.URL, archivePath); err != nil {
		return err
	}

	if err = lm.imageHandler.CheckFileInfo(archivePath, info.Size, info.SHA256); err != nil {
		return err
	}

	unpackedSize, err := lm.imageHandler.UnpackedSize(archivePath)
	if err != nil {
		return err
	}

	installRes, err := lm.allocator.AllocateSpace(info.Digest, unpackedSize)
	if err != nil {
		return err
	}

	layerDigest, err := digest.Parse(info.Digest)
	if err != nil {
		lm.allocator.RestoreAllocation(installRes)
		return model.Errorf(model.ErrInvalidArgument, "invalid layer digest: %v", err)
	}

	installDir := filepath.Join(lm.cfg.LayersDir, layerDigest.Encoded())

	unpackedDigest, size, err := lm.imageHandler.InstallImage(archivePath, installDir)
	if err != nil {
		lm.allocator.RestoreAllocation(installRes)
		return err
	}

	layer := model.LayerData{
		Digest:         info.Digest,
		UnpackedDigest: unpackedDigest.String(),
		LayerID:        info.LayerID,
		Path:           installDir,
		Version:        info.Version,
		Size:           size,
		Timestamp:      time.Now(),
		State:          model.ItemStateActive,
	}

	if err = lm.storage.AddLayer(layer); err != nil {
		os.RemoveAll(installDir)
		lm.allocator.RestoreAllocation(installRes)
		return err
	}

	return lm.allocator.AcceptAllocation(installRes)
}

// GetLayerInfo returns the stored record of a layer.
func (lm *LayerManager) GetLayerInfo(layerDigest string) (model.LayerData, error) {
	return lm.storage.GetLayer(layerDigest)
}

// UseLayer takes a reference on behalf of a running instance's service.
func (lm *LayerManager) UseLayer(layerDigest string) error {
	layer, err := lm.storage.GetLayer(layerDigest)
	if err != nil {
		return err
	}

	lm.mu.Lock()
	lm.refCounts[layer.Digest]++
	lm.mu.Unlock()

	lm.allocator.RemoveOutdatedItem(layer.Digest)

	return lm.storage.SetLayerState(layer.Digest, model.ItemStateActive, time.Now())
}

// ReleaseLayer drops a reference; the last release makes it evictable.
func (lm *LayerManager) ReleaseLayer(layerDigest string) error {
	layer, err := lm.storage.GetLayer(layerDigest)
	if err != nil {
		return err
	}

	lm.mu.Lock()
	if lm.refCounts[layer.Digest] > 0 {
		lm.refCounts[layer.Digest]--
	}
	referenced := lm.refCounts[layer.Digest] > 0
	lm.mu.Unlock()

	if referenced {
		return nil
	}

	now := time.Now()

	if err = lm.storage.SetLayerState(layer.Digest, model.ItemStateCached, now); err != nil {
		return err
	}

	lm.allocator.AddOutdatedItem(layer.Digest, layer.Size, now)

	return nil
}

// RemoveItem implements the allocator eviction callback. It does not touch
// the pool accounting: the allocator frees evicted bytes itself.
func (lm *LayerManager) RemoveItem(layerDigest string) error {
	layer, err := lm.storage.GetLayer(layerDigest)
	if err != nil {
		return err
	}

	logger.InfoLogger().Printf("Removing layer: layerID=%s, digest=%s", layer.LayerID, layer.Digest)

	if err = os.RemoveAll(layer.Path); err != nil {
		return fmt.Errorf("error removing layer dir: %w", err)
	}

	return lm.storage.RemoveLayer(layerDigest)
}

func (lm *LayerManager) removeOutdatedRoutine() {
	ticker := time.NewTicker(lm.cfg.RemoveOutdatedPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stopChan:
			return

		case <-ticker.C:
			if err := lm.removeOutdatedLayers(); err != nil {
				logger.ErrorLogger().Printf("Error removing outdated layers: %v", err)
			}
		}
	}
}

func (lm *LayerManager) removeOutdatedLayers() error {
	layers, err := lm.storage.GetAllLayers()
	if err != nil {
		return err
	}

	now := time.Now()

	for _, layer := range layers {
		if layer.State != model.ItemStateCached || now.Sub(layer.Timestamp) <= lm.cfg.TTL {
			continue
		}

		lm.mu.Lock()
		referenced := lm.refCounts[layer.Digest] > 0
		lm.mu.Unlock()

		if referenced {
			continue
		}

		if err := lm.RemoveItem(layer.Digest); err != nil {
			logger.ErrorLogger().Printf("Error removing outdated layer %s: %v", layer.Digest, err)
			continue
		}

		lm.allocator.FreeSpace(layer.Digest)
	}

	return nil
}

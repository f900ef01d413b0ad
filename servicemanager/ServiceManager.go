package servicemanager

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
	"go_service_manager/spaceallocator"
)

// Config configures the service manager.
type Config struct {
	ServicesDir          string
	DownloadDir          string
	PartLimit            uint
	TTL                  time.Duration
	RemoveOutdatedPeriod time.Duration
}

// Storage is the durable service index.
type Storage interface {
	AddService(service model.ServiceData) error
	GetService(serviceID, version string) (model.ServiceData, error)
	GetServiceByDigest(digest string) (model.ServiceData, error)
	GetAllServices() ([]model.ServiceData, error)
	SetServiceState(digest, state string, timestamp time.Time) error
	RemoveService(digest string) error
}

// Downloader fetches archives.
type Downloader interface {
	Download(ctx context.Context, url, dstPath string) error
}

// ImageInstaller validates and unpacks image archives.
type ImageInstaller interface {
	CheckFileInfo(path string, expectedSize uint64, expectedSHA256 []byte) error
	UnpackedSize(archivePath string) (uint64, error)
	InstallImage(archivePath, installDir string) (digest.Digest, uint64, error)
}

// ServiceManager is the content-addressed store of installed services.
type ServiceManager struct {
	mu sync.Mutex

	cfg               Config
	storage           Storage
	downloader        Downloader
	imageHandler      ImageInstaller
	alertSender       model.AlertSender
	allocator         *spaceallocator.Allocator
	downloadAllocator *spaceallocator.Allocator
	refCounts         map[string]uint
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// New creates the service manager, restores pool accounting from storage and
// starts the outdated items cleanup job.
func New(cfg Config, storage Storage, downloader Downloader, imageHandler ImageInstaller,
	alertSender model.AlertSender) (*ServiceManager, error) {
	for _, dir := range []string{cfg.ServicesDir, cfg.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating dir %s: %w", dir, err)
		}
	}

	sm := &ServiceManager{
		cfg:          cfg,
		storage:      storage,
		downloader:   downloader,
		imageHandler: imageHandler,
		alertSender:  alertSender,
		refCounts:    make(map[string]uint),
		stopChan:     make(chan struct{}),
	}

	var err error

	if sm.allocator, err = spaceallocator.New(cfg.ServicesDir, cfg.PartLimit, sm); err != nil {
		return nil, err
	}
	if sm.downloadAllocator, err = spaceallocator.New(cfg.DownloadDir, 0, sm); err != nil {
		return nil, err
	}

	services, err := storage.GetAllServices()
	if err != nil {
		return nil, err
	}

	for _, service := range services {
		if service.State == model.ItemStateCached {
			sm.allocator.AddOutdatedItem(service.Digest, service.Size, service.Timestamp)
		} else {
			sm.allocator.AddItem(service.Digest, service.Size)
		}
	}

	if cfg.RemoveOutdatedPeriod > 0 {
		go sm.removeOutdatedRoutine()
	}

	return sm, nil
}

// Stop terminates the cleanup job.
func (sm *ServiceManager) Stop() {
	sm.stopOnce.Do(func() { close(sm.stopChan) })
}

// ProcessDesiredServices diffs the desired list against storage: unknown
// versions are installed, stored versions absent from the list become
// cached and evictable.
func (sm *ServiceManager) ProcessDesiredServices(ctx context.Context, services []model.ServiceInfo) error {
	stored, err := sm.storage.GetAllServices()
	if err != nil {
		return err
	}

	desired := make(map[string]model.ServiceInfo)
	for _, info := range services {
		desired[info.ServiceID+"/"+info.Version] = info
	}

	var installErrs []error

	for _, info := range services {
		if _, err := sm.storage.GetService(info.ServiceID, info.Version); err == nil {
			continue
		}

		if err := sm.InstallService(ctx, info); err != nil {
			logger.ErrorLogger().Printf("Error installing service: serviceID=%s, version=%s, err=%v",
				info.ServiceID, info.Version, err)
			installErrs = append(installErrs, fmt.Errorf("service %s/%s: %w", info.ServiceID, info.Version, err))
		}
	}

	now := time.Now()

	for _, service := range stored {
		if _, ok := desired[service.ServiceID+"/"+service.Version]; ok {
			continue
		}

		if service.State == model.ItemStateCached {
			continue
		}

		sm.mu.Lock()
		referenced := sm.refCounts[service.Digest] > 0
		sm.mu.Unlock()

		if referenced {
			continue
		}

		if err := sm.storage.SetServiceState(service.Digest, model.ItemStateCached, now); err != nil {
			return err
		}

		sm.allocator.AddOutdatedItem(service.Digest, service.Size, now)
	}

	return errors.Join(installErrs...)
}

// InstallService downloads, validates and unpacks one service version.
// Idempotent: an already present digest is reported as success.
func (sm *ServiceManager) InstallService(ctx context.Context, info model.ServiceInfo) (err error) {
	logger.InfoLogger().Printf("Installing service: serviceID=%s, version=%s", info.ServiceID, info.Version)

	downloadRes, err := sm.downloadAllocator.AllocateSpace(uuid.New().String(), info.Size)
	if err != nil {
		return err
	}
	defer func() {
		sm.downloadAllocator.RestoreAllocation(downloadRes)
	}()

	archivePath := filepath.Join(sm.cfg.DownloadDir, downloadRes.ID)
	defer os.Remove(archivePath)

	if err = sm.downloader.Download(ctx, info.URL, archivePath); err != nil {
		sm.sendDownloadAlert(info.URL, err)
		return err
	}

	if err = sm.imageHandler.CheckFileInfo(archivePath, info.Size, info.SHA256); err != nil {
		return err
	}

	unpackedSize, err := sm.imageHandler.UnpackedSize(archivePath)
	if err != nil {
		return err
	}

	contentDigest := digest.NewDigestFromEncoded(digest.SHA256, fmt.Sprintf("%x", info.SHA256))

	if existing, err := sm.storage.GetServiceByDigest(contentDigest.String()); err == nil {
		logger.InfoLogger().Printf("Service digest already installed: digest=%s", existing.Digest)
		return nil
	}

	installRes, err := sm.allocator.AllocateSpace(contentDigest.String(), unpackedSize)
	if err != nil {
		return err
	}

	installDir := filepath.Join(sm.cfg.ServicesDir, contentDigest.Encoded())

	_, size, err := sm.imageHandler.InstallImage(archivePath, installDir)
	if err != nil {
		sm.allocator.RestoreAllocation(installRes)
		return err
	}

	service := model.ServiceData{
		ServiceID:  info.ServiceID,
		Version:    info.Version,
		ProviderID: info.ProviderID,
		Digest:     contentDigest.String(),
		Path:       installDir,
		Size:       size,
		GID:        info.GID,
		Timestamp:  time.Now(),
		State:      model.ItemStateActive,
	}

	if err = sm.storage.AddService(service); err != nil {
		os.RemoveAll(installDir)
		sm.allocator.RestoreAllocation(installRes)
		return err
	}

	if err = sm.allocator.AcceptAllocation(installRes); err != nil {
		return err
	}

	return nil
}

// GetServiceInfo returns the stored record and refreshes its usage
// timestamp.
func (sm *ServiceManager) GetServiceInfo(serviceID, version string) (model.ServiceData, error) {
	service, err := sm.storage.GetService(serviceID, version)
	if err != nil {
		return service, err
	}

	if err = sm.storage.SetServiceState(service.Digest, service.State, time.Now()); err != nil {
		return service, err
	}

	return service, nil
}

// UseService takes a reference on behalf of a running instance.
func (sm *ServiceManager) UseService(serviceID, version string) error {
	service, err := sm.storage.GetService(serviceID, version)
	if err != nil {
		return err
	}

	sm.mu.Lock()
	sm.refCounts[service.Digest]++
	sm.mu.Unlock()

	sm.allocator.RemoveOutdatedItem(service.Digest)

	return sm.storage.SetServiceState(service.Digest, model.ItemStateActive, time.Now())
}

// ReleaseService drops an instance reference. The last release makes the
// service cached and evictable.
func (sm *ServiceManager) ReleaseService(serviceID, version string) error {
	service, err := sm.storage.GetService(serviceID, version)
	if err != nil {
		return err
	}

	sm.mu.Lock()
	if sm.refCounts[service.Digest] > 0 {
		sm.refCounts[service.Digest]--
	}
	referenced := sm.refCounts[service.Digest] > 0
	sm.mu.Unlock()

	if referenced {
		return nil
	}

	now := time.Now()

	if err = sm.storage.SetServiceState(service.Digest, model.ItemStateCached, now); err != nil {
		return err
	}

	sm.allocator.AddOutdatedItem(service.Digest, service.Size, now)

	return nil
}

// RemoveService deletes an installed service. Fails while instances
// reference it.
func (sm *ServiceManager) RemoveService(serviceDigest string) error {
	sm.mu.Lock()
	referenced := sm.refCounts[serviceDigest] > 0
	sm.mu.Unlock()

	if referenced {
		return model.Errorf(model.ErrFailed, "service %s is in use", serviceDigest)
	}

	if err := sm.RemoveItem(serviceDigest); err != nil {
		return err
	}

	sm.allocator.FreeSpace(serviceDigest)

	return nil
}

// RemoveItem implements the allocator eviction callback. It does not touch
// the pool accounting: the allocator frees evicted bytes itself.
func (sm *ServiceManager) RemoveItem(serviceDigest string) error {
	service, err := sm.storage.GetServiceByDigest(serviceDigest)
	if err != nil {
		return err
	}

	logger.InfoLogger().Printf("Removing service: serviceID=%s, version=%s, digest=%s",
		service.ServiceID, service.Version, service.Digest)

	if err = os.RemoveAll(service.Path); err != nil {
		return fmt.Errorf("error removing service dir: %w", err)
	}

	return sm.storage.RemoveService(serviceDigest)
}

func (sm *ServiceManager) removeOutdatedRoutine() {
	ticker := time.NewTicker(sm.cfg.RemoveOutdatedPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stopChan:
			return

		case <-ticker.C:
			if err := sm.removeOutdatedServices(); err != nil {
				logger.ErrorLogger().Printf("Error removing outdated services: %v", err)
			}
		}
	}
}

func (sm *ServiceManager) removeOutdatedServices() error {
	services, err := sm.storage.GetAllServices()
	if err != nil {
		return err
	}

	now := time.Now()

	for _, service := range services {
		if service.State != model.ItemStateCached || now.Sub(service.Timestamp) <= sm.cfg.TTL {
			continue
		}

		if err := sm.RemoveService(service.Digest); err != nil {
			logger.ErrorLogger().Printf("Error removing outdated service %s: %v", service.Digest, err)
		}
	}

	return nil
}

func (sm *ServiceManager) sendDownloadAlert(url string, err error) {
	if sm.alertSender == nil {
		return
	}

	sm.alertSender.SendAlert(model.DownloadAlert{
		AlertHeader: model.AlertHeader{Timestamp: time.Now()},
		URL:         url,
		Message:     err.Error(),
	})
}

package requests

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go_service_manager/logger"
	"go_service_manager/model"
)

const defaultDownloadTimeout = 10 * time.Minute

// Downloader fetches service and layer archives to local files.
type Downloader struct {
	client *http.Client
}

// NewDownloader creates a downloader with the default timeout.
func NewDownloader() *Downloader {
	return &Downloader{client: &http.Client{}}
}

// Download fetches url into dstPath. The transfer is cancelled when ctx is
// done or the default timeout elapses.
func (d *Downloader) Download(ctx context.Context, url, dstPath string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultDownloadTimeout)
	defer cancel()

	logger.InfoLogger().Printf("Downloading: url=%s, dst=%s", url, dstPath)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.Errorf(model.ErrInvalidArgument, "invalid download url: %v", err)
	}

	response, err := d.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return model.Errorf(model.ErrTimeout, "download cancelled: %v", ctx.Err())
		}
		return model.Errorf(model.ErrNetwork, "download failed: %v", err)
	}
	defer func() {
		if err := response.Body.Close(); err != nil {
			logger.ErrorLogger().Printf("Error closing download body: %v", err)
		}
	}()

	if response.StatusCode != http.StatusOK {
		return model.Errorf(model.ErrNetwork, "download failed with status %d", response.StatusCode)
	}

	file, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("error creating download file: %w", err)
	}
	defer file.Close()

	if _, err = io.Copy(file, response.Body); err != nil {
		os.Remove(dstPath)
		if ctx.Err() != nil {
			return model.Errorf(model.ErrTimeout, "download cancelled: %v", ctx.Err())
		}
		return model.Errorf(model.ErrNetwork, "download interrupted: %v", err)
	}

	return nil
}

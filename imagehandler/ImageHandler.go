package imagehandler

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
	ispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sys/unix"

	"go_service_manager/logger"
	"go_service_manager/model"
)

// ImageHandler unpacks and validates OCI image archives.
type ImageHandler struct{}

// New creates an image handler.
func New() *ImageHandler {
	return &ImageHandler{}
}

// CheckFileInfo verifies size and sha256 of a downloaded archive.
func (h *ImageHandler) CheckFileInfo(path string, expectedSize uint64, expectedSHA256 []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error checking file: %w", err)
	}

	if expectedSize != 0 && uint64(info.Size()) != expectedSize {
		return model.Errorf(model.ErrValidation, "file size mismatch: expected=%d, got=%d",
			expectedSize, info.Size())
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err = io.Copy(hash, file); err != nil {
		return fmt.Errorf("error hashing file: %w", err)
	}

	if !bytes.Equal(hash.Sum(nil), expectedSHA256) {
		return model.NewError(model.ErrValidation, "sha256 mismatch")
	}

	return nil
}

// UnpackedSize returns the size the archive will need once installed,
// derived from its manifest layer descriptors.
func (h *ImageHandler) UnpackedSize(archivePath string) (uint64, error) {
	image, err := tarball.ImageFromPath(archivePath, nil)
	if err != nil {
		return 0, fmt.Errorf("error opening image archive: %w", err)
	}

	manifest, err := image.Manifest()
	if err != nil {
		return 0, fmt.Errorf("error reading image manifest: %w", err)
	}

	var size uint64

	for _, layer := range manifest.Layers {
		switch string(layer.MediaType) {
		case ispec.MediaTypeImageLayer, ispec.MediaTypeImageLayerGzip, ispec.MediaTypeImageLayerZstd,
			"application/vnd.docker.image.rootfs.diff.tar.gzip":
		default:
			return 0, model.Errorf(model.ErrValidation, "unsupported layer media type: %s", layer.MediaType)
		}

		size += uint64(layer.Size)
	}

	return size, nil
}

// InstallImage extracts the flattened image filesystem into installDir and
// returns the digest of the unpacked content stream and its size.
func (h *ImageHandler) InstallImage(archivePath, installDir string) (digest.Digest, uint64, error) {
	image, err := tarball.ImageFromPath(archivePath, nil)
	if err != nil {
		return "", 0, model.Errorf(model.ErrValidation, "error opening image archive: %v", err)
	}

	if err = os.MkdirAll(installDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("error creating install dir: %w", err)
	}

	flattened := mutate.Extract(image)
	defer flattened.Close()

	digester := digest.Canonical.Digester()
	counter := &countingReader{reader: io.TeeReader(flattened, digester.Hash())}

	if err = untar(counter, installDir); err != nil {
		os.RemoveAll(installDir)
		return "", 0, model.Errorf(model.ErrValidation, "error unpacking image: %v", err)
	}

	logger.InfoLogger().Printf("Image installed: dir=%s, size=%d", installDir, counter.count)

	return digester.Digest(), counter.count, nil
}

type countingReader struct {
	reader io.Reader
	count  uint64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.count += uint64(n)
	return n, err
}

func untar(reader io.Reader, target string) error {
	tarReader := tar.NewReader(reader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		path, err := sanitizePath(target, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(path, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("error creating dir: %w", err)
			}

		case tar.TypeReg:
			if err = writeFile(path, tarReader, os.FileMode(header.Mode)); err != nil {
				return err
			}

		case tar.TypeSymlink:
			os.Remove(path)
			if err = os.Symlink(header.Linkname, path); err != nil {
				return fmt.Errorf("error creating symlink: %w", err)
			}

		case tar.TypeLink:
			linkTarget, err := sanitizePath(target, header.Linkname)
			if err != nil {
				return err
			}
			os.Remove(path)
			if err = os.Link(linkTarget, path); err != nil {
				return fmt.Errorf("error creating hardlink: %w", err)
			}

		case tar.TypeChar, tar.TypeBlock:
			mode := uint32(header.Mode)
			if header.Typeflag == tar.TypeChar {
				mode |= unix.S_IFCHR
			} else {
				mode |= unix.S_IFBLK
			}
			dev := unix.Mkdev(uint32(header.Devmajor), uint32(header.Devminor))
			if err = unix.Mknod(path, mode, int(dev)); err != nil && !os.IsExist(err) {
				return fmt.Errorf("error creating device node: %w", err)
			}

		case tar.TypeFifo:
			if err = unix.Mkfifo(path, uint32(header.Mode)); err != nil && !os.IsExist(err) {
				return fmt.Errorf("error creating fifo: %w", err)
			}
		}

		if header.Typeflag != tar.TypeSymlink {
			os.Chown(path, header.Uid, header.Gid)
		}
	}
}

func writeFile(path string, reader io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("error creating file: %w", err)
	}
	defer file.Close()

	if _, err = io.Copy(file, reader); err != nil {
		return fmt.Errorf("error writing file: %w", err)
	}

	return nil
}

func sanitizePath(target, name string) (string, error) {
	path := filepath.Join(target, name)

	if !strings.HasPrefix(path, filepath.Clean(target)+string(os.PathSeparator)) && path != filepath.Clean(target) {
		return "", model.Errorf(model.ErrValidation, "invalid path in archive: %s", name)
	}

	return path, nil
}

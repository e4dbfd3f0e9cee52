package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
)

// FileObjectRepository implements ObjectRepository on a local directory.
type FileObjectRepository struct {
	config BucketConfig
}

// NewFileObjectRepository creates the repository; the directory is created
// on first upload.
func NewFileObjectRepository(config BucketConfig) *FileObjectRepository {
	config.Type = FileType
	return &FileObjectRepository{config: config}
}

func (r *FileObjectRepository) root() string {
	return filepath.Join(filepath.FromSlash(r.config.Name), filepath.FromSlash(r.config.Prefix))
}

func (r *FileObjectRepository) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(r.root(), clean), nil
}

// Upload writes the object through a temporary file so readers never see a
// partial snapshot.
func (r *FileObjectRepository) Upload(_ context.Context, key string, reader io.Reader, quiet bool) (string, error) {
	dst, err := r.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var proxyReader io.Reader = reader
	if !quiet {
		log.Debugf("Writing %s", dst)
		bar := progressbar.DefaultBytes(-1, "writing")
		pbReader := progressbar.NewReader(reader, bar)
		proxyReader = &pbReader
	}

	if _, err := io.Copy(tmp, proxyReader); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("failed to move object in place: %w", err)
	}

	return "file://" + filepath.ToSlash(dst), nil
}

// Download opens an object.
func (r *FileObjectRepository) Download(_ context.Context, key string, quiet bool) (io.ReadCloser, error) {
	src, err := r.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", zerrors.ErrNotFound, src)
		}
		return nil, err
	}
	if quiet {
		return f, nil
	}

	var bar *progressbar.ProgressBar
	if info, err := f.Stat(); err == nil {
		bar = progressbar.DefaultBytes(info.Size(), "reading")
	}
	return &progressReader{r: f, bar: bar}, nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (r *FileObjectRepository) Delete(_ context.Context, key string) error {
	p, err := r.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// List walks the directory for keys starting with prefix.
func (r *FileObjectRepository) List(_ context.Context, prefix string) ([]string, error) {
	root := r.root()
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", root, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// GetBucketName returns the directory.
func (r *FileObjectRepository) GetBucketName() string {
	return r.config.Name
}

// GetStorageType returns the storage type
func (r *FileObjectRepository) GetStorageType() string {
	return string(FileType)
}

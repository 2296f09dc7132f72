package facecache

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Cache is the on-disk verification image cache, keyed by school and user so
// accounts never share images. A session may add images; nothing here deletes.
type Cache struct {
	baseDir string
}

// New creates a cache rooted at baseDir.
func New(baseDir string) *Cache {
	return &Cache{baseDir: baseDir}
}

func (c *Cache) dir(schoolID, userID string) string {
	return filepath.Join(c.baseDir, schoolID, userID)
}

// List returns the cached image paths for the account, jpg and png only.
func (c *Cache) List(schoolID, userID string) ([]string, error) {
	entries, err := os.ReadDir(c.dir(schoolID, userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image cache")
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(c.dir(schoolID, userID), entry.Name()))
		}
	}
	return paths, nil
}

// Pick loads a uniformly chosen cached image, or ("", nil, nil) when the
// cache is empty for this account.
func (c *Cache) Pick(schoolID, userID string, rnd *rand.Rand) (string, []byte, error) {
	paths, err := c.List(schoolID, userID)
	if err != nil {
		return "", nil, err
	}
	if len(paths) == 0 {
		return "", nil, nil
	}

	path := paths[rnd.Intn(len(paths))]
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to read cached image")
	}
	return path, data, nil
}

// Save persists a downloaded image under the account's directory.
func (c *Cache) Save(schoolID, userID, imageID, ext string, data []byte) (string, error) {
	dir := c.dir(schoolID, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create image cache dir")
	}

	if ext == "" {
		ext = ".jpg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	path := filepath.Join(dir, imageID+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write image")
	}
	return path, nil
}

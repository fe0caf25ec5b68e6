// Package images resolves and fetches the image artifacts deploy actions
// consume: kernels, ramdisks, device trees, root filesystems.
package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Artifact is a fetched image with its verified identity.
type Artifact struct {
	// Path is the local filesystem path of the fetched artifact.
	Path string

	// SHA256 is the hex digest computed while fetching.
	SHA256 string

	Size int64
}

// Store fetches image artifacts referenced by deploy actions.
type Store interface {
	// Fetch retrieves the artifact at ref into local storage. ref may be
	// an http(s) URL, an s3:// URL (S3 backend) or a bare path relative
	// to the store root.
	Fetch(ctx context.Context, ref string) (*Artifact, error)
}

// LocalStore serves artifacts from a local directory and downloads http(s)
// references into it.
type LocalStore struct {
	Root   string
	Client *http.Client
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{
		Root:   dir,
		Client: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (s *LocalStore) Fetch(ctx context.Context, ref string) (*Artifact, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return s.download(ctx, ref)
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.Root, path)
	}
	return hashLocal(path)
}

func (s *LocalStore) download(ctx context.Context, url string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Base(url)
	if name == "" || name == "." || name == "/" {
		name = "artifact"
	}
	dest := filepath.Join(s.Root, name)
	return writeVerified(dest, resp.Body)
}

func hashLocal(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Path:   path,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Size:   size,
	}, nil
}

func writeVerified(dest string, r io.Reader) (*Artifact, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, err
	}
	return &Artifact{
		Path:   dest,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Size:   size,
	}, nil
}

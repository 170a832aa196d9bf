package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	goerrors "github.com/go-errors/errors"
	"github.com/sirupsen/logrus"

	"github.com/clusterfabric/nodeagent/internal/types"
)

// HTTPDownloader fetches resources over plain HTTP(S) into one of
// nm.localDirs. It runs each fetch on its own goroutine drawn from a
// bounded pool disjoint from the dispatcher's workers, generalizing the
// teacher's pkg/tasks.TaskManager (one named current-task goroutine with a
// stop channel) from "one task at a time" to "up to N fetches at a time,
// keyed by resource" — the coordinator still only ever starts one fetch
// per key because it gates entry with the resource's fetch permit.
type HTTPDownloader struct {
	client    *http.Client
	localDirs []string
	log       *logrus.Entry

	sem chan struct{} // bounds total concurrent fetches across all keys
}

// NewHTTPDownloader builds a downloader that writes into localDirs,
// picking the directory from a hash of the URI, with at most maxConcurrent fetches
// in flight at once.
func NewHTTPDownloader(localDirs []string, maxConcurrent int, log *logrus.Entry) *HTTPDownloader {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &HTTPDownloader{
		client:    &http.Client{},
		localDirs: localDirs,
		log:       log,
		sem:       make(chan struct{}, maxConcurrent),
	}
}

func (d *HTTPDownloader) Fetch(ctx context.Context, key types.LocalResourceRequest) <-chan Result {
	out := make(chan Result, 1)

	go func() {
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		path, size, err := d.fetchOne(ctx, key)
		if err != nil {
			out <- Result{Key: key, Err: types.Wrap(types.KindDownloadFailure, err, "fetch %s", key.URI)}
			return
		}
		out <- Result{Key: key, Path: path, Size: size}
	}()

	return out
}

func (d *HTTPDownloader) fetchOne(ctx context.Context, key types.LocalResourceRequest) (string, int64, error) {
	if len(d.localDirs) == 0 {
		return "", 0, fmt.Errorf("no local dirs configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URI, nil)
	if err != nil {
		return "", 0, goerrors.Wrap(err, 1)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", 0, goerrors.Wrap(err, 1)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, key.URI)
	}

	dir := d.localDirs[dirIndex(key.URI, len(d.localDirs))]
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, goerrors.Wrap(err, 1)
	}

	dest := filepath.Join(dir, localFileName(key))
	f, err := os.Create(dest)
	if err != nil {
		return "", 0, goerrors.Wrap(err, 1)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return "", 0, goerrors.Wrap(err, 1)
	}

	d.log.WithFields(logrus.Fields{"uri": key.URI, "path": dest, "bytes": n}).Debug("localized resource")
	return dest, n, nil
}

func localFileName(key types.LocalResourceRequest) string {
	sum := sha1.Sum([]byte(key.URI))
	return hex.EncodeToString(sum[:]) + filepath.Ext(key.URI)
}

func dirIndex(uri string, n int) int {
	if n <= 1 {
		return 0
	}
	sum := sha1.Sum([]byte(uri))
	return int(sum[0]) % n
}

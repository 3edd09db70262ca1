// Package storage copies finished run artifacts to one or more object stores
// such as a local archive directory or a GCS bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// XLSXContentType is the media type of exported spreadsheets.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ObjectStore uploads one object and returns its uri.
type ObjectStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Archiver uploads files to every configured store under a shared prefix.
type Archiver struct {
	prefix string
	stores []ObjectStore
	logger *zap.Logger
}

// NewArchiver builds an Archiver. Nil stores are skipped.
func NewArchiver(prefix string, logger *zap.Logger, stores ...ObjectStore) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Archiver{prefix: strings.Trim(prefix, "/"), logger: logger}
	for _, s := range stores {
		if s != nil {
			a.stores = append(a.stores, s)
		}
	}
	return a
}

// Enabled reports whether any store is configured.
func (a *Archiver) Enabled() bool {
	return a != nil && len(a.stores) > 0
}

// ObjectPath returns the object key used for localPath in run runID.
func (a *Archiver) ObjectPath(runID, localPath string) string {
	return path.Join(a.prefix, runID, filepath.Base(localPath))
}

// Archive uploads localPath to every store and returns the uris that
// succeeded. Failures are joined into the returned error.
func (a *Archiver) Archive(ctx context.Context, runID, localPath, contentType string) ([]string, error) {
	if !a.Enabled() {
		return nil, nil
	}
	key := a.ObjectPath(runID, localPath)
	var (
		uris []string
		errs []error
	)
	for _, s := range a.stores {
		uri, err := a.put(ctx, s, key, localPath, contentType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.logger.Info("artifact archived", zap.String("path", localPath), zap.String("uri", uri))
		uris = append(uris, uri)
	}
	return uris, errors.Join(errs...)
}

func (a *Archiver) put(ctx context.Context, s ObjectStore, key, localPath, contentType string) (string, error) {
	f, err := os.Open(localPath) // #nosec G304 -- path is the run's own output file
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	uri, err := s.PutObject(ctx, key, contentType, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return uri, nil
}

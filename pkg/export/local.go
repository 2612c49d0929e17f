package export

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/ethpandaops/reportoor/pkg/fsutil"
	"github.com/sirupsen/logrus"
)

// localWriter implements Writer on the local filesystem.
type localWriter struct {
	log   logrus.FieldLogger
	dir   string
	owner *fsutil.OwnerConfig
}

var _ Writer = (*localWriter)(nil)

// NewLocalWriter creates a Writer that stores exports below cfg.Dir,
// owned by cfg.Owner when set.
func NewLocalWriter(log logrus.FieldLogger, cfg *config.LocalExportConfig) (Writer, error) {
	owner, err := fsutil.ParseOwner(cfg.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing owner: %w", err)
	}

	return &localWriter{
		log:   log.WithField("component", "local-export"),
		dir:   cfg.Dir,
		owner: owner,
	}, nil
}

func (w *localWriter) Preflight(_ context.Context) error {
	if err := fsutil.MkdirAll(w.dir, 0o755, w.owner); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}

	return nil
}

func (w *localWriter) Write(_ context.Context, key, _ string, data []byte) (string, error) {
	path := filepath.Join(w.dir, filepath.FromSlash(key))

	if err := fsutil.MkdirAll(filepath.Dir(path), 0o755, w.owner); err != nil {
		return "", fmt.Errorf("creating export dir: %w", err)
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o644, w.owner); err != nil {
		return "", fmt.Errorf("writing export: %w", err)
	}

	w.log.WithField("path", path).Debug("Wrote export")

	return path, nil
}

// NewWriter returns the Writer selected by cfg, or nil when export is
// disabled.
func NewWriter(log logrus.FieldLogger, cfg *config.ExportConfig) (Writer, error) {
	switch {
	case !cfg.Enabled:
		return nil, nil
	case cfg.S3.Enabled:
		return NewS3Writer(log, &cfg.S3), nil
	case cfg.Local.Enabled:
		return NewLocalWriter(log, &cfg.Local)
	default:
		return nil, nil
	}
}

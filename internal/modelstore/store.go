// Package modelstore installs classifier models on this host and answers
// which ones are available for on-device inference.
package modelstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/example/vrclassify/internal/logging"
	"github.com/example/vrclassify/internal/repository"
	"github.com/example/vrclassify/internal/visualrecognition"
)

// Registry is the persistence contract for installed models.
type Registry interface {
	Save(ctx context.Context, model *repository.InstalledModel) error
	FindByClassifierID(ctx context.Context, classifierID string) (*repository.InstalledModel, error)
	List(ctx context.Context) ([]*repository.InstalledModel, error)
}

// Remote is the subset of the service needed to install a model.
type Remote interface {
	GetClassifier(ctx context.Context, classifierID string) (*visualrecognition.Classifier, error)
	DownloadModel(ctx context.Context, classifierID string) ([]byte, error)
}

var (
	// ErrNotReady means the classifier is still training or failed training.
	ErrNotReady = errors.New("classifier is not ready")
	// ErrModelUnavailable means the service does not offer a downloadable model.
	ErrModelUnavailable = errors.New("classifier has no downloadable model")
	// ErrEmptyModel means the service returned an empty model body.
	ErrEmptyModel = errors.New("downloaded model is empty")
	// ErrNotInstalled means no usable local copy exists.
	ErrNotInstalled = errors.New("model is not installed")
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// LocalModel is an installed model ready to be loaded by the runtime.
type LocalModel struct {
	ClassifierID string
	Name         string
	Path         string
	Classes      []visualrecognition.Class
	Updated      time.Time
}

// Store coordinates the registry, the model directory and the remote service.
type Store struct {
	registry Registry
	remote   Remote
	dir      string
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Store writing model files under dir. remote may be nil when
// only locally installed models are to be used.
func New(registry Registry, remote Remote, dir string, logger *zap.Logger) *Store {
	return &Store{
		registry: registry,
		remote:   remote,
		dir:      dir,
		logger:   logger.Named("model_store"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UpdateLocalModel downloads the classifier's model when no local copy exists
// or the remote one is newer.
func (s *Store) UpdateLocalModel(ctx context.Context, classifierID string) error {
	const op = "modelstore.update_local_model"
	opLogger := logging.WithOperation(s.logger, op, classifierID)
	if s.remote == nil {
		return logging.NewOperationError(op, classifierID, errors.New("no remote service configured"))
	}

	desc, err := s.remote.GetClassifier(ctx, classifierID)
	if err != nil {
		return logging.NewOperationError(op, classifierID, err)
	}
	if desc.Status != visualrecognition.StatusReady {
		return logging.NewOperationError(op, classifierID, fmt.Errorf("%w: status %q", ErrNotReady, desc.Status))
	}
	if !desc.CoreMLEnabled {
		return logging.NewOperationError(op, classifierID, ErrModelUnavailable)
	}

	existing, err := s.registry.FindByClassifierID(ctx, classifierID)
	switch {
	case err == nil:
		if !desc.Updated.After(existing.Updated) && fileExists(existing.Path) {
			opLogger.Info("local model is up to date", zap.Time("updated", existing.Updated))
			return nil
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return logging.NewOperationError(op, classifierID, err)
	}

	data, err := s.remote.DownloadModel(ctx, classifierID)
	if err != nil {
		return logging.NewOperationError(op, classifierID, err)
	}
	if len(data) == 0 {
		return logging.NewOperationError(op, classifierID, ErrEmptyModel)
	}

	path, err := s.writeModel(classifierID, data)
	if err != nil {
		return logging.NewOperationError(op, classifierID, err)
	}

	sum := sha256.Sum256(data)
	record := &repository.InstalledModel{
		ClassifierID: classifierID,
		Name:         desc.Name,
		Path:         path,
		SHA256:       hex.EncodeToString(sum[:]),
		SizeBytes:    int64(len(data)),
		Classes:      desc.Classes,
		Updated:      desc.Updated,
		InstalledAt:  s.now(),
	}
	if err := s.registry.Save(ctx, record); err != nil {
		return logging.NewOperationError(op, classifierID, err)
	}

	opLogger.Info("installed local model", zap.String("path", path), zap.Int64("size_bytes", record.SizeBytes))
	return nil
}

// ListLocalModels returns the ids of installed models whose files are present,
// in registry order.
func (s *Store) ListLocalModels(ctx context.Context) ([]string, error) {
	records, err := s.registry.List(ctx)
	if err != nil {
		return nil, logging.NewOperationError("modelstore.list_local_models", "", err)
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if !fileExists(rec.Path) {
			s.logger.Warn("registered model file missing", zap.String("classifier_id", rec.ClassifierID), zap.String("path", rec.Path))
			continue
		}
		ids = append(ids, rec.ClassifierID)
	}
	return ids, nil
}

// Model returns the installed model for classifierID.
func (s *Store) Model(ctx context.Context, classifierID string) (*LocalModel, error) {
	const op = "modelstore.model"
	rec, err := s.registry.FindByClassifierID(ctx, classifierID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, logging.NewOperationError(op, classifierID, ErrNotInstalled)
	}
	if err != nil {
		return nil, logging.NewOperationError(op, classifierID, err)
	}
	if !fileExists(rec.Path) {
		return nil, logging.NewOperationError(op, classifierID, fmt.Errorf("%w: %s missing", ErrNotInstalled, rec.Path))
	}
	return &LocalModel{
		ClassifierID: rec.ClassifierID,
		Name:         rec.Name,
		Path:         rec.Path,
		Classes:      rec.Classes,
		Updated:      rec.Updated,
	}, nil
}

// writeModel stores data as <dir>/<id>.onnx via a temp file and rename so a
// partially written model is never visible.
func (s *Store) writeModel(classifierID string, data []byte) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.dir, ".download-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, unsafeChars.ReplaceAllString(classifierID, "_")+".onnx")
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/vrclassify/internal/logging"
	"github.com/example/vrclassify/internal/visualrecognition"
)

// ErrNotFound is returned when no installed model matches.
var ErrNotFound = errors.New("installed model not found")

// InstalledModel is the registry record of a model available on this host.
type InstalledModel struct {
	ID           uint                      `gorm:"primaryKey"`
	ClassifierID string                    `gorm:"column:classifier_id;uniqueIndex;size:128"`
	Name         string                    `gorm:"column:name;size:256"`
	Path         string                    `gorm:"column:path;type:text"`
	SHA256       string                    `gorm:"column:sha256;size:64"`
	SizeBytes    int64                     `gorm:"column:size_bytes"`
	Classes      []visualrecognition.Class `gorm:"column:classes;type:text;serializer:json"`
	Updated      time.Time                 `gorm:"column:updated"`
	InstalledAt  time.Time                 `gorm:"column:installed_at"`
}

// TableName overrides the default table name.
func (InstalledModel) TableName() string {
	return "installed_models"
}

// ModelRepository persists the installed-model registry.
type ModelRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewModelRepository creates a new repository instance.
func NewModelRepository(db *gorm.DB, logger *zap.Logger) *ModelRepository {
	return &ModelRepository{
		db:             db,
		logger:         logger.Named("model_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ModelRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&InstalledModel{})
	})
}

// Save inserts the record or replaces the existing one for the classifier.
func (r *ModelRepository) Save(ctx context.Context, model *InstalledModel) error {
	return r.executeWithRetry(ctx, "repository.save_model", model.ClassifierID, func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "classifier_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "path", "sha256", "size_bytes", "classes", "updated", "installed_at"}),
		}).Create(model).Error
	})
}

// FindByClassifierID returns the record for classifierID or ErrNotFound.
func (r *ModelRepository) FindByClassifierID(ctx context.Context, classifierID string) (*InstalledModel, error) {
	var model InstalledModel
	err := r.executeWithRetry(ctx, "repository.find_model", classifierID, func() error {
		return r.db.WithContext(ctx).First(&model, "classifier_id = ?", classifierID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// List returns every installed model ordered by classifier id.
func (r *ModelRepository) List(ctx context.Context) ([]*InstalledModel, error) {
	var models []*InstalledModel
	err := r.executeWithRetry(ctx, "repository.list_models", "", func() error {
		return r.db.WithContext(ctx).Order("classifier_id ASC").Find(&models).Error
	})
	if err != nil {
		return nil, err
	}
	return models, nil
}

func (r *ModelRepository) executeWithRetry(ctx context.Context, operation, classifierID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, classifierID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, classifierID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("registry operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, classifierID, err)
		}
		opLogger.Warn("transient registry error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, classifierID, err)
}

func isTransientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}

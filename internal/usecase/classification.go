package usecase

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/vrclassify/internal/apperror"
	"github.com/example/vrclassify/internal/inference"
	"github.com/example/vrclassify/internal/logging"
	"github.com/example/vrclassify/internal/modelstore"
	"github.com/example/vrclassify/internal/session"
	"github.com/example/vrclassify/internal/visualrecognition"
)

// Resolver picks the classifier for the session.
type Resolver interface {
	Resolve(ctx context.Context) (session.Selected, error)
}

// ModelSource looks up installed models.
type ModelSource interface {
	Model(ctx context.Context, classifierID string) (*modelstore.LocalModel, error)
}

// Classifier runs on-device inference.
type Classifier interface {
	ClassifyWithLocalModel(ctx context.Context, imageBytes []byte, model *modelstore.LocalModel, threshold float64) (*visualrecognition.ClassifiedImages, error)
}

// ClassificationResult is one ranked label for a photo.
type ClassificationResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
}

// Classification is the outcome of one classification request.
type Classification struct {
	RequestID    string                 `json:"request_id"`
	ClassifierID string                 `json:"classifier_id"`
	Source       string                 `json:"source"`
	Threshold    float64                `json:"threshold"`
	Results      []ClassificationResult `json:"results"`
	Cached       bool                   `json:"cached"`
}

// Status describes the session for clients.
type Status struct {
	State        string          `json:"state"`
	ClassifierID string          `json:"classifier_id,omitempty"`
	Source       string          `json:"source,omitempty"`
	Alert        *apperror.Alert `json:"alert,omitempty"`
}

// ClassificationUseCase resolves the session classifier and classifies photos with it.
type ClassificationUseCase struct {
	session        *session.Session
	resolver       Resolver
	models         ModelSource
	classifier     Classifier
	cache          Cache
	logger         *zap.Logger
	gracePeriod    time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	stats          metrics
}

// Option customizes the use case.
type Option func(*ClassificationUseCase)

// WithGracePeriod sets how long Classify waits for an in-flight resolution.
func WithGracePeriod(d time.Duration) Option {
	return func(uc *ClassificationUseCase) {
		uc.gracePeriod = d
	}
}

// NewClassificationUseCase constructs a new use case instance. cache may be nil.
func NewClassificationUseCase(sess *session.Session, resolver Resolver, models ModelSource, classifier Classifier, cache Cache, logger *zap.Logger, opts ...Option) *ClassificationUseCase {
	uc := &ClassificationUseCase{
		session:        sess,
		resolver:       resolver,
		models:         models,
		classifier:     classifier,
		cache:          cache,
		logger:         logger.Named("classification_usecase"),
		gracePeriod:    750 * time.Millisecond,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Configure runs one classifier resolution and records its outcome in the
// session. It refuses to run once a classifier has been selected.
func (uc *ClassificationUseCase) Configure(ctx context.Context) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.configure", "")
	if err := uc.session.Begin(); err != nil {
		return err
	}

	sel, err := uc.resolver.Resolve(ctx)
	if err != nil {
		appErr := apperror.From(err)
		opLogger.Error(appErr.Error(), zap.Error(err))
		_ = uc.session.Fail(appErr)
		return appErr
	}
	if err := uc.session.Resolve(sel); err != nil {
		return err
	}
	opLogger.Info("classifier ready", zap.String("classifier_id", sel.ClassifierID), zap.Stringer("source", sel.Source))
	return nil
}

// Status reports the session state and, after a failure, the alert to show.
func (uc *ClassificationUseCase) Status() Status {
	snap := uc.session.Snapshot()
	st := Status{State: snap.State.String()}
	if snap.State == session.StateReady {
		st.ClassifierID = snap.Selected.ClassifierID
		st.Source = snap.Selected.Source.String()
	}
	if snap.Err != nil {
		alert := apperror.From(snap.Err).Alert()
		st.Alert = &alert
	}
	return st
}

// Classify runs the session classifier over imageBytes and returns the
// classes scoring at least threshold, in the order inference produced them.
func (uc *ClassificationUseCase) Classify(ctx context.Context, imageBytes []byte, threshold float64) (*Classification, error) {
	start := time.Now()
	requestID := uuid.NewString()

	out, err := uc.classify(ctx, requestID, imageBytes, threshold)
	if err != nil {
		uc.stats.recordFailure(time.Since(start), err)
		return nil, err
	}
	uc.stats.recordSuccess(time.Since(start), out.Results, out.Cached)
	return out, nil
}

func (uc *ClassificationUseCase) classify(ctx context.Context, requestID string, imageBytes []byte, threshold float64) (*Classification, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.classify", "").With(zap.String("request_id", requestID))

	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return nil, apperror.Message("threshold must be a number between 0 and 1")
	}

	sel, err := uc.session.Await(ctx, uc.gracePeriod)
	if err != nil {
		opLogger.Warn("classification attempted before a classifier was selected", zap.Error(err))
		return nil, apperror.From(err)
	}
	opLogger = opLogger.With(zap.String("classifier_id", sel.ClassifierID))

	out := &Classification{
		RequestID:    requestID,
		ClassifierID: sel.ClassifierID,
		Source:       sel.Source.String(),
		Threshold:    threshold,
	}

	key := resultKey(sel.ClassifierID, threshold, imageBytes)
	if cached, ok := uc.loadCached(ctx, sel.ClassifierID, key); ok {
		out.Results = cached
		out.Cached = true
		return out, nil
	}

	model, err := uc.models.Model(ctx, sel.ClassifierID)
	if err != nil {
		opLogger.Error("failed to load model", zap.Error(err))
		return nil, apperror.New(apperror.ModelLoad, err)
	}

	images, err := uc.classifier.ClassifyWithLocalModel(ctx, imageBytes, model, threshold)
	if err != nil {
		opLogger.Error("local classification failed", zap.Error(err))
		if errors.Is(err, inference.ErrDecode) {
			return nil, apperror.New(apperror.InvalidImage, err)
		}
		return nil, apperror.New(apperror.ModelLoad, err)
	}

	// An image with no classifier entries carries no classes either.
	if images == nil || len(images.Images) == 0 || len(images.Images[0].Classifiers) == 0 {
		opLogger.Error("classification returned no data")
		return nil, apperror.New(apperror.NoData, nil)
	}

	out.Results = toResults(images.Images[0].Classifiers[0].Classes, threshold)
	uc.storeCached(ctx, sel.ClassifierID, key, threshold, out.Results)
	return out, nil
}

func toResults(classes []visualrecognition.ClassResult, threshold float64) []ClassificationResult {
	results := make([]ClassificationResult, 0, len(classes))
	for _, c := range classes {
		if c.Score < threshold {
			continue
		}
		results = append(results, ClassificationResult{
			Label:      c.ClassName,
			Confidence: c.Score,
			Category:   c.TypeHierarchy,
		})
	}
	return results
}

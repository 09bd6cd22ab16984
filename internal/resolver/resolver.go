// Package resolver decides which classifier the session uses: the preferred
// remote classifier (installed locally), else the first remote one, else an
// already installed local model when the remote service is unreachable.
package resolver

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/vrclassify/internal/apperror"
	"github.com/example/vrclassify/internal/session"
	"github.com/example/vrclassify/internal/visualrecognition"
)

// Lister lists the classifiers available on the account.
type Lister interface {
	ListClassifiers(ctx context.Context) ([]visualrecognition.Classifier, error)
}

// Models installs and enumerates on-device models.
type Models interface {
	UpdateLocalModel(ctx context.Context, classifierID string) error
	ListLocalModels(ctx context.Context) ([]string, error)
}

// Resolver runs one resolution attempt per call.
type Resolver struct {
	remote    Lister
	models    Models
	preferred string
	logger    *zap.Logger
}

// New creates a Resolver preferring the classifier named preferred.
func New(remote Lister, models Models, preferred string, logger *zap.Logger) *Resolver {
	return &Resolver{remote: remote, models: models, preferred: preferred, logger: logger.Named("resolver")}
}

// Resolve selects a classifier. A remote listing error hands over to the
// local fallback; every other failure is terminal for this attempt.
func (r *Resolver) Resolve(ctx context.Context) (session.Selected, error) {
	classifiers, err := r.remote.ListClassifiers(ctx)
	if err != nil {
		r.logger.Warn("retrieving classifiers failed, attempting to use a local model", zap.Error(err))
		return r.fallback(ctx)
	}

	// An empty account is terminal here; the mobile app sent it to the local fallback instead.
	id, ok := Choose(classifiers, r.preferred)
	if !ok {
		r.logger.Error("no classifiers exist on the account")
		return session.Selected{}, apperror.New(apperror.NoClassifiersAvailable, nil)
	}

	r.logger.Info("selected remote classifier", zap.String("classifier_id", id))
	if err := r.models.UpdateLocalModel(ctx, id); err != nil {
		r.logger.Error("installing local model failed", zap.String("classifier_id", id), zap.Error(err))
		return session.Selected{}, apperror.New(apperror.ModelInstall, err)
	}
	return session.Selected{ClassifierID: id, Source: session.SourceRemote}, nil
}

func (r *Resolver) fallback(ctx context.Context) (session.Selected, error) {
	ids, err := r.models.ListLocalModels(ctx)
	if err != nil {
		r.logger.Error("listing local models failed", zap.Error(err))
		return session.Selected{}, apperror.New(apperror.ModelInstall, err)
	}
	if len(ids) == 0 {
		r.logger.Error("no local models installed")
		return session.Selected{}, apperror.New(apperror.ModelInstall, nil)
	}
	r.logger.Info("using local model", zap.String("classifier_id", ids[0]))
	return session.Selected{ClassifierID: ids[0], Source: session.SourceLocalFallback}, nil
}

// Choose returns the classifier whose id equals preferred, else the first
// one in listed order.
func Choose(classifiers []visualrecognition.Classifier, preferred string) (string, bool) {
	if len(classifiers) == 0 {
		return "", false
	}
	for _, c := range classifiers {
		if c.ID == preferred {
			return c.ID, true
		}
	}
	return classifiers[0].ID, true
}

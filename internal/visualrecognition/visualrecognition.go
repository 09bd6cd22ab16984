// Package visualrecognition defines the data shapes exchanged with the
// visual-recognition service and the on-device inference runtime, plus the
// Service contract both remote transports implement.
package visualrecognition

import (
	"context"
	"time"
)

// Classifier status values reported by the service.
const (
	StatusReady    = "ready"
	StatusTraining = "training"
	StatusFailed   = "failed"
)

// Class is one label a classifier can emit.
type Class struct {
	Name          string `json:"class"`
	TypeHierarchy string `json:"type_hierarchy,omitempty"`
}

// Classifier describes a trained classifier owned by the account.
type Classifier struct {
	ID            string    `json:"classifier_id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	CoreMLEnabled bool      `json:"core_ml_enabled"`
	Updated       time.Time `json:"updated"`
	Classes       []Class   `json:"classes,omitempty"`
}

// ClassResult is a single scored label.
type ClassResult struct {
	ClassName     string  `json:"class"`
	Score         float64 `json:"score"`
	TypeHierarchy string  `json:"type_hierarchy,omitempty"`
}

// ClassifierResult groups the classes one classifier produced for an image.
type ClassifierResult struct {
	ClassifierID string        `json:"classifier_id"`
	Name         string        `json:"name"`
	Classes      []ClassResult `json:"classes"`
}

// ClassifiedImage holds the results for one input image.
type ClassifiedImage struct {
	Classifiers []ClassifierResult `json:"classifiers"`
}

// ClassifiedImages is the envelope returned by an inference call.
type ClassifiedImages struct {
	Images []ClassifiedImage `json:"images"`
}

// Service is the remote account API used to resolve and install classifiers.
type Service interface {
	ListClassifiers(ctx context.Context) ([]Classifier, error)
	GetClassifier(ctx context.Context, classifierID string) (*Classifier, error)
	DownloadModel(ctx context.Context, classifierID string) ([]byte, error)
}

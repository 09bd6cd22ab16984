// Package inference runs installed classifiers on-device.
package inference

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/vrclassify/internal/modelstore"
	"github.com/example/vrclassify/internal/visualrecognition"
)

// Options tune preprocessing and score post-processing.
type Options struct {
	InputSize int
	Softmax   bool
}

// Engine turns image bytes into scored classes using a Runtime.
type Engine struct {
	runtime Runtime
	opts    Options
	logger  *zap.Logger
}

// NewEngine creates an Engine. A zero InputSize defaults to 224.
func NewEngine(runtime Runtime, opts Options, logger *zap.Logger) *Engine {
	if opts.InputSize <= 0 {
		opts.InputSize = 224
	}
	return &Engine{runtime: runtime, opts: opts, logger: logger.Named("inference")}
}

// ClassifyWithLocalModel classifies one image with an installed model. Classes
// are sorted by descending score and those scoring below threshold are
// dropped.
func (e *Engine) ClassifyWithLocalModel(ctx context.Context, imageBytes []byte, model *modelstore.LocalModel, threshold float64) (*visualrecognition.ClassifiedImages, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := DecodeImage(imageBytes)
	if err != nil {
		return nil, err
	}

	raw, err := e.runtime.Run(RunRequest{
		ModelPath:  model.Path,
		Version:    strconv.FormatInt(model.Updated.UnixNano(), 10),
		Input:      Tensor(img, e.opts.InputSize),
		InputSize:  e.opts.InputSize,
		NumClasses: len(model.Classes),
	})
	if err != nil {
		return nil, err
	}
	if len(model.Classes) > 0 && len(raw) != len(model.Classes) {
		return nil, fmt.Errorf("model %s produced %d scores for %d classes", model.ClassifierID, len(raw), len(model.Classes))
	}

	scores := make([]float64, len(raw))
	for i, v := range raw {
		scores[i] = float64(v)
	}
	if e.opts.Softmax {
		scores = softmax(scores)
	}

	classes := make([]visualrecognition.ClassResult, 0, len(scores))
	for i, score := range scores {
		score = clamp(score)
		if score < threshold {
			continue
		}
		result := visualrecognition.ClassResult{ClassName: "class_" + strconv.Itoa(i), Score: score}
		if i < len(model.Classes) {
			result.ClassName = model.Classes[i].Name
			result.TypeHierarchy = model.Classes[i].TypeHierarchy
		}
		classes = append(classes, result)
	}
	sort.SliceStable(classes, func(i, j int) bool { return classes[i].Score > classes[j].Score })

	e.logger.Debug("classified image",
		zap.String("classifier_id", model.ClassifierID),
		zap.Int("classes", len(classes)),
		zap.Float64("threshold", threshold),
	)

	return &visualrecognition.ClassifiedImages{
		Images: []visualrecognition.ClassifiedImage{{
			Classifiers: []visualrecognition.ClassifierResult{{
				ClassifierID: model.ClassifierID,
				Name:         model.Name,
				Classes:      classes,
			}},
		}},
	}, nil
}

func softmax(xs []float64) []float64 {
	if len(xs) == 0 {
		return xs
	}
	peak := math.Inf(-1)
	for _, x := range xs {
		if x > peak {
			peak = x
		}
	}
	out := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		out[i] = math.Exp(x - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

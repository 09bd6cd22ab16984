// Package presentation shapes classification results into the results
// drawer shown next to the captured photo.
package presentation

import (
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/example/vrclassify/internal/usecase"
)

const (
	// RecognizedScore is the top score a result must exceed to be named in the header.
	RecognizedScore = 0.5
	// HighlightScore marks rows drawn with the emphasis color.
	HighlightScore = 0.6

	promptText    = "Take a photo to begin!"
	unrecognized  = "Unrecognized"
	swipeHintText = "View Core ML Classification Data ↑"
)

// Header is the collapsed drawer text.
type Header struct {
	Text    string `json:"text"`
	SubText string `json:"sub_text,omitempty"`
}

// Row is one result line in the expanded drawer.
type Row struct {
	Title       string  `json:"title"`
	Score       float64 `json:"score"`
	Description string  `json:"description,omitempty"`
	BarWidth    float64 `json:"bar_width"`
	Highlight   bool    `json:"highlight"`
}

// ResultsView is the full drawer content.
type ResultsView struct {
	Header Header `json:"header"`
	Rows   []Row  `json:"rows"`
}

// Initial is the view before any results exist.
func Initial() ResultsView {
	return ResultsView{Header: Header{Text: promptText}, Rows: []Row{}}
}

// Build renders results, keeping their order.
func Build(results []usecase.ClassificationResult) ResultsView {
	view := ResultsView{Rows: make([]Row, 0, len(results))}
	if len(results) == 0 || results[0].Confidence <= RecognizedScore {
		view.Header = Header{Text: unrecognized}
	} else {
		view.Header = Header{Text: PrettifyLabel(results[0].Label), SubText: swipeHintText}
	}

	for _, r := range results {
		view.Rows = append(view.Rows, Row{
			Title:       PrettifyLabel(r.Label),
			Score:       Truncate(r.Confidence, 2),
			Description: r.Category,
			BarWidth:    r.Confidence,
			Highlight:   r.Confidence >= HighlightScore,
		})
	}
	return view
}

// PrettifyLabel turns "usbc_male" into "Usbc Male".
func PrettifyLabel(label string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(label, "_", " "))
}

// Truncate drops digits beyond places without rounding.
func Truncate(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Floor(v*scale) / scale
}

// SampleResults is the example shown before the first capture.
func SampleResults() []usecase.ClassificationResult {
	return []usecase.ClassificationResult{
		{Label: "usb_male", Confidence: 0.6, Category: "/connector"},
		{Label: "usbc_male", Confidence: 0.5},
		{Label: "thunderbolt_male", Confidence: 0.11},
	}
}

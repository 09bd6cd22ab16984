package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/vrclassify/internal/auth"
	"github.com/example/vrclassify/internal/modelstore"
	"github.com/example/vrclassify/internal/session"
	"github.com/example/vrclassify/internal/usecase"
	"github.com/example/vrclassify/internal/visualrecognition"
)

const testJWTSecret = "test-secret"

type stubResolver struct {
	selected session.Selected
	err      error
}

func (s *stubResolver) Resolve(ctx context.Context) (session.Selected, error) {
	return s.selected, s.err
}

type stubModels struct{}

func (stubModels) Model(ctx context.Context, classifierID string) (*modelstore.LocalModel, error) {
	return &modelstore.LocalModel{ClassifierID: classifierID, Path: "unused.onnx"}, nil
}

type stubClassifier struct {
	threshold float64
}

func (s *stubClassifier) ClassifyWithLocalModel(ctx context.Context, imageBytes []byte, model *modelstore.LocalModel, threshold float64) (*visualrecognition.ClassifiedImages, error) {
	s.threshold = threshold
	return &visualrecognition.ClassifiedImages{Images: []visualrecognition.ClassifiedImage{{
		Classifiers: []visualrecognition.ClassifierResult{{
			ClassifierID: model.ClassifierID,
			Classes: []visualrecognition.ClassResult{
				{ClassName: "usbc_male", Score: 0.91, TypeHierarchy: "/connector/usb"},
				{ClassName: "hdmi_male", Score: 0.3},
			},
		}},
	}}}, nil
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"error"`
}

func newRouter(uc *usecase.ClassificationUseCase) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, uc, auth.JWTMiddleware(testJWTSecret, ""), 0.1, zap.NewNop())
	return router
}

func readyUseCase(t *testing.T, classifier *stubClassifier) *usecase.ClassificationUseCase {
	t.Helper()

	resolver := &stubResolver{selected: session.Selected{ClassifierID: "connectors", Source: session.SourceRemote}}
	uc := usecase.NewClassificationUseCase(session.New(), resolver, stubModels{}, classifier, nil, zap.NewNop(), usecase.WithGracePeriod(0))
	if err := uc.Configure(context.Background()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return uc
}

func TestHealthIsPublic(t *testing.T) {
	router := newRouter(&usecase.ClassificationUseCase{})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
}

func TestClassifyRequiresToken(t *testing.T) {
	router := newRouter(&usecase.ClassificationUseCase{})
	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), "")

	req := httptest.NewRequest(http.MethodPost, "/v1/classify", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.Code)
	}
}

func TestClassifyRejectsLargeUpload(t *testing.T) {
	router := newRouter(&usecase.ClassificationUseCase{})

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), "")
	resp := postClassify(t, router, body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestClassifyRejectsUnsupportedContentType(t *testing.T) {
	router := newRouter(&usecase.ClassificationUseCase{})

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), "")
	resp := postClassify(t, router, body, contentType)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestClassifyRejectsBadThreshold(t *testing.T) {
	router := newRouter(&usecase.ClassificationUseCase{})

	for _, threshold := range []string{"abc", "-0.1", "1.5", "NaN", "+Inf", "-Inf"} {
		body, contentType := buildMultipartBody(t, "image/png", []byte("png"), threshold)
		resp := postClassify(t, router, body, contentType)
		if resp.Code != http.StatusBadRequest {
			t.Errorf("threshold %q: expected status %d, got %d", threshold, http.StatusBadRequest, resp.Code)
		}
	}
}

func TestClassifyRejectsNaNThresholdOnReadySession(t *testing.T) {
	classifier := &stubClassifier{threshold: -1}
	router := newRouter(readyUseCase(t, classifier))

	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), "NaN")
	resp := postClassify(t, router, body, contentType)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if classifier.threshold != -1 {
		t.Fatalf("classifier must not run, saw threshold %v", classifier.threshold)
	}
	var decoded errorBody
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Error.Message == "" {
		t.Fatal("expected an error message")
	}
}

func TestClassifyBeforeConfigurationReturnsAlert(t *testing.T) {
	uc := usecase.NewClassificationUseCase(session.New(), &stubResolver{}, stubModels{}, &stubClassifier{}, nil, zap.NewNop(), usecase.WithGracePeriod(0))
	router := newRouter(uc)

	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), "")
	resp := postClassify(t, router, body, contentType)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, resp.Code)
	}
	var decoded errorBody
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Error.Kind != "not_configured" || decoded.Error.Title == "" || decoded.Error.Message == "" {
		t.Fatalf("unexpected alert %+v", decoded.Error)
	}
}

func TestClassifyReturnsResultsAndView(t *testing.T) {
	classifier := &stubClassifier{}
	router := newRouter(readyUseCase(t, classifier))

	body, contentType := buildMultipartBody(t, "image/jpeg", []byte("jpeg"), "0.5")
	resp := postClassify(t, router, body, contentType)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}
	if classifier.threshold != 0.5 {
		t.Fatalf("expected threshold 0.5, got %v", classifier.threshold)
	}

	var decoded struct {
		Classification usecase.Classification `json:"classification"`
		View           struct {
			Header struct {
				Text string `json:"text"`
			} `json:"header"`
			Rows []struct {
				Title string `json:"title"`
			} `json:"rows"`
		} `json:"view"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Classification.Results) != 1 || decoded.Classification.Results[0].Label != "usbc_male" {
		t.Fatalf("unexpected results %+v", decoded.Classification.Results)
	}
	if decoded.View.Header.Text != "Usbc Male" || len(decoded.View.Rows) != 1 {
		t.Fatalf("unexpected view %+v", decoded.View)
	}
}

func TestClassifyDefaultsToCaptureThreshold(t *testing.T) {
	classifier := &stubClassifier{}
	router := newRouter(readyUseCase(t, classifier))

	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), "")
	if resp := postClassify(t, router, body, contentType); resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
	if classifier.threshold != 0.1 {
		t.Fatalf("expected capture threshold 0.1, got %v", classifier.threshold)
	}
}

func TestClassifyLogsAuthenticatedSubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, readyUseCase(t, &stubClassifier{}), auth.JWTMiddleware(testJWTSecret, ""), 0.1, zap.New(core))

	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), "")
	if resp := postClassify(t, router, body, contentType); resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	entries := logs.FilterMessage("classification request served").All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["subject"]; got != "device-1" {
		t.Fatalf("expected subject device-1, got %v", got)
	}
}

func TestConfigureTwiceConflicts(t *testing.T) {
	router := newRouter(readyUseCase(t, &stubClassifier{}))

	req := httptest.NewRequest(http.MethodPost, "/v1/configure", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "device-1"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, resp.Code)
	}
}

func TestStatusReportsSelection(t *testing.T) {
	router := newRouter(readyUseCase(t, &stubClassifier{}))

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "device-1"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	var status usecase.Status
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != "ready" || status.ClassifierID != "connectors" || status.Source != "remote" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSampleResults(t *testing.T) {
	router := newRouter(&usecase.ClassificationUseCase{})

	req := httptest.NewRequest(http.MethodGet, "/v1/results/sample", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "device-1"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	var decoded struct {
		Results []usecase.ClassificationResult `json:"results"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Results) != 3 || decoded.Results[0].Label != "usb_male" {
		t.Fatalf("unexpected sample results %+v", decoded.Results)
	}
}

func postClassify(t *testing.T, router *gin.Engine, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/classify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "device-1"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, threshold string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if threshold != "" {
		if err := writer.WriteField("threshold", threshold); err != nil {
			t.Fatalf("failed to write threshold: %v", err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/vrclassify/internal/apperror"
	"github.com/example/vrclassify/internal/auth"
	"github.com/example/vrclassify/internal/config"
	"github.com/example/vrclassify/internal/handlers"
	"github.com/example/vrclassify/internal/modelstore"
	"github.com/example/vrclassify/internal/session"
	"github.com/example/vrclassify/internal/usecase"
	"github.com/example/vrclassify/internal/visualrecognition"
)

const testJWTSecret = "integration-secret"

type fixedResolver struct{}

func (fixedResolver) Resolve(context.Context) (session.Selected, error) {
	return session.Selected{ClassifierID: "connectors", Source: session.SourceLocalFallback}, nil
}

type fixedModels struct{}

func (fixedModels) Model(_ context.Context, classifierID string) (*modelstore.LocalModel, error) {
	return &modelstore.LocalModel{ClassifierID: classifierID, Path: "connectors.onnx"}, nil
}

// blockingClassifier holds inference open until release is closed.
type blockingClassifier struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingClassifier) ClassifyWithLocalModel(ctx context.Context, _ []byte, model *modelstore.LocalModel, _ float64) (*visualrecognition.ClassifiedImages, error) {
	close(b.started)
	<-b.release
	return &visualrecognition.ClassifiedImages{Images: []visualrecognition.ClassifiedImage{{
		Classifiers: []visualrecognition.ClassifierResult{{
			ClassifierID: model.ClassifierID,
			Classes:      []visualrecognition.ClassResult{{ClassName: "usb_male", Score: 0.8}},
		}},
	}}}, nil
}

func TestServerGracefulShutdownCompletesInFlightClassification(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	classifier := &blockingClassifier{started: make(chan struct{}), release: make(chan struct{})}
	releaseOnce := func() {
		select {
		case <-classifier.release:
		default:
			close(classifier.release)
		}
	}
	defer releaseOnce()

	uc := usecase.NewClassificationUseCase(session.New(), fixedResolver{}, fixedModels{}, classifier, nil, logger, usecase.WithGracePeriod(0))
	if err := uc.Configure(context.Background()); err != nil {
		t.Fatalf("configure: %v", err)
	}

	router := gin.New()
	router.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(router, uc, auth.JWTMiddleware(testJWTSecret, ""), 0.1, logger)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	req := newClassifyRequest(t, "http://"+addr+"/v1/classify")
	client := &http.Client{Timeout: 3 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-classifier.started:
	case err := <-errCh:
		t.Fatalf("request failed before inference: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("classification did not start in time")
	}

	signalCh <- syscall.SIGTERM
	time.Sleep(50 * time.Millisecond)
	releaseOnce()

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
		var decoded struct {
			Classification usecase.Classification `json:"classification"`
		}
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Classification.Source != "local_fallback" || len(decoded.Classification.Results) != 1 {
			t.Fatalf("unexpected classification %+v", decoded.Classification)
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestBuildUseCaseWithoutCredentialsOpensNothing(t *testing.T) {
	cfg := config.Config{
		// Unreachable on purpose: opening it would fail the build.
		DatabaseDSN: "host=127.0.0.1 port=1 user=none dbname=none sslmode=disable connect_timeout=1",
		RedisAddr:   "127.0.0.1:1",
		VisualRecognition: config.VisualRecognitionConfig{
			CredentialsPath: filepath.Join(t.TempDir(), "BMSCredentials.plist"),
			Transport:       "grpc",
			GRPCAddr:        "127.0.0.1:1",
		},
	}

	uc, cleanup, err := buildUseCase(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("expected startup without credentials to succeed, got %v", err)
	}
	defer cleanup()

	if err := uc.Configure(context.Background()); !errors.Is(err, apperror.ErrMissingConfiguration) {
		t.Fatalf("expected MissingConfiguration, got %v", err)
	}
	status := uc.Status()
	if status.State != "failed" || status.Alert == nil || status.Alert.Kind != "missing_configuration" {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := uc.Classify(context.Background(), []byte("img"), 0.1); !errors.Is(err, apperror.ErrNotConfigured) {
		t.Fatalf("expected NotConfigured, got %v", err)
	}
}

func newClassifyRequest(t *testing.T, url string) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="photo.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write([]byte("jpeg")); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "device-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

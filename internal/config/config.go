package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the service configuration read from the environment.
type Config struct {
	HTTPAddr  string `validate:"required"`
	LogLevel  string `validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat string `validate:"omitempty,oneof=json console"`

	VisualRecognition VisualRecognitionConfig
	Inference         InferenceConfig

	DatabaseDSN string `validate:"required"`
	RedisAddr   string
	JWTSecret   string `validate:"required"`
	JWTAudience string
}

// VisualRecognitionConfig covers the remote classifier service and session.
type VisualRecognitionConfig struct {
	CredentialsPath   string        `validate:"required"`
	Transport         string        `validate:"required,oneof=rest grpc"`
	APIURL            string        `validate:"required_if=Transport rest"`
	APIVersion        string        `validate:"required"`
	GRPCAddr          string        `validate:"required_if=Transport grpc"`
	DefaultClassifier string        `validate:"required"`
	RequestTimeout    time.Duration `validate:"gt=0"`
	GracePeriod       time.Duration `validate:"gte=0"`
}

// InferenceConfig covers on-device model storage and execution.
type InferenceConfig struct {
	ModelDir         string  `validate:"required"`
	RuntimeLibrary   string  `validate:"required"`
	InputSize        int     `validate:"gte=32,lte=1024"`
	Softmax          bool
	CaptureThreshold float64 `validate:"gte=0,lte=1"`
}

// Load reads configuration from environment variables with defaults and
// validates the result.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		VisualRecognition: VisualRecognitionConfig{
			CredentialsPath:   getEnv("VR_CREDENTIALS_PATH", "BMSCredentials.plist"),
			Transport:         strings.ToLower(getEnv("VR_TRANSPORT", "rest")),
			APIURL:            getEnv("VR_API_URL", "https://gateway.watsonplatform.net/visual-recognition/api"),
			APIVersion:        getEnv("VR_API_VERSION", "2018-03-15"),
			GRPCAddr:          os.Getenv("VR_GRPC_ADDR"),
			DefaultClassifier: getEnv("VR_DEFAULT_CLASSIFIER", "connectors"),
			RequestTimeout:    getEnvDuration("VR_REQUEST_TIMEOUT", 30*time.Second),
			GracePeriod:       getEnvDuration("VR_GRACE_PERIOD", 750*time.Millisecond),
		},
		Inference: InferenceConfig{
			ModelDir:         getEnv("VR_MODEL_DIR", "models"),
			RuntimeLibrary:   getEnv("VR_ORT_LIBRARY", "models/libonnxruntime.so"),
			InputSize:        getEnvInt("VR_INPUT_SIZE", 224),
			Softmax:          getEnvBool("VR_SOFTMAX", false),
			CaptureThreshold: getEnvFloat("VR_CAPTURE_THRESHOLD", 0.1),
		},
		DatabaseDSN: getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=vrclassify port=5432 sslmode=disable"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct constraints and reports the first offending fields.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/eleven-am/vision-backend/internal/accel"
	"github.com/eleven-am/vision-backend/internal/events"
	"github.com/eleven-am/vision-backend/internal/inference"
	"github.com/eleven-am/vision-backend/internal/models"
	"github.com/eleven-am/vision-backend/internal/session"
	"github.com/eleven-am/vision-backend/internal/shared"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddr string
	GRPCAddr   string
	LogLevel   string

	InferenceURL     string
	InferenceToken   string
	InferenceTimeout time.Duration

	Device            accel.Mode
	DeviceMaxInflight int

	EnabledModels      []models.Kind
	HandModel          string
	PoseModel          string
	ObjectModel        string
	ObjectThreshold    float64
	HungModelThreshold time.Duration

	SessionMaxMessageBytes int64
	SessionMetricsTTL      time.Duration
	SessionConnectRate     float64
	SessionConnectBurst    int

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ControlChannel string

	StartupTimeout time.Duration
}

// LoadConfig reads the environment, after loading .env when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	device, err := accel.ParseMode(getEnv("VISION_DEVICE", string(accel.ModeAuto)))
	if err != nil {
		return nil, fmt.Errorf("VISION_DEVICE: %w", err)
	}

	enabled, err := models.ParseKinds(getEnv("ENABLED_MODELS", ""))
	if err != nil {
		return nil, fmt.Errorf("ENABLED_MODELS: %w", err)
	}

	threshold := getEnvFloat("OBJECT_THRESHOLD", models.DefaultObjectThreshold)
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("OBJECT_THRESHOLD: %v is outside [0, 1]", threshold)
	}

	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8766"),
		GRPCAddr:   getEnv("GRPC_ADDR", ":50061"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		InferenceURL:     getEnv("INFERENCE_URL", "http://localhost:8770"),
		InferenceToken:   getEnv("INFERENCE_TOKEN", ""),
		InferenceTimeout: getEnvDuration("INFERENCE_TIMEOUT", inference.DefaultTimeout),

		Device:            device,
		DeviceMaxInflight: getEnvInt("DEVICE_MAX_INFLIGHT", 1),

		EnabledModels:      enabled,
		HandModel:          getEnv("HAND_MODEL", ""),
		PoseModel:          getEnv("POSE_MODEL", ""),
		ObjectModel:        getEnv("OBJECT_MODEL", ""),
		ObjectThreshold:    threshold,
		HungModelThreshold: getEnvDuration("HUNG_MODEL_THRESHOLD", 30*time.Second),

		SessionMaxMessageBytes: int64(getEnvInt("SESSION_MAX_MESSAGE_BYTES", session.DefaultMaxMessageBytes)),
		SessionMetricsTTL:      getEnvDuration("SESSION_METRICS_TTL", session.DefaultMetricsTTL),
		SessionConnectRate:     getEnvFloat("SESSION_CONNECT_RATE", shared.DefaultRateLimiterConfig().RequestsPerSecond),
		SessionConnectBurst:    getEnvInt("SESSION_CONNECT_BURST", shared.DefaultRateLimiterConfig().Burst),

		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		ControlChannel: getEnv("CONTROL_CHANNEL", events.DefaultChannel),

		StartupTimeout: getEnvDuration("STARTUP_TIMEOUT", 2*time.Minute),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	GRPCPort    string
	HTTPPort    string
	CORSOrigins string

	DetectorBackend    string
	DetectorURL        string
	DetectorRequired   bool
	ModelPath          string
	ModelConfidence    float64
	MaxUploadSizeMB    int
	MaxMessageSizeMB   int
	TempDir            string
	TuningFile         string
	LogLevel           string
	Environment        string
	ShutdownTimeoutSec int

	DBDriver   string
	SQLitePath string
	DBName     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string
}

func (p *Config) DSN() string {
	if p.UsesSQLite() {
		return p.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		p.DBHost, p.DBPort, p.DBUser, p.DBPassword, p.DBName, p.DBSSLMode)
}

// DSNForLog masks the password.
func (p *Config) DSNForLog() string {
	if p.UsesSQLite() {
		return "sqlite:" + p.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=*** dbname=%s sslmode=%s",
		p.DBHost, p.DBPort, p.DBUser, p.DBName, p.DBSSLMode)
}

func (c *Config) IsDev() bool {
	return c.Environment == "dev"
}

func (c *Config) UsesSQLite() bool {
	return c.DBDriver == "sqlite"
}

func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadSizeMB) << 20
}

func LoadConfig() *Config {
	// A missing .env is fine; the process environment is used as is.
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using system environment variables")
	}

	cfg := &Config{
		GRPCPort:           getEnv("GRPC_PORT", "50051"),
		HTTPPort:           getEnv("HTTP_PORT", "8081"),
		CORSOrigins:        getEnv("CORS_ORIGINS", "*"),
		DetectorBackend:    strings.ToLower(getEnv("DETECTOR_BACKEND", "grpc")),
		DetectorURL:        getEnv("DETECTOR_URL", "localhost:9000"),
		DetectorRequired:   getEnvBool("DETECTOR_REQUIRED", false),
		ModelPath:          getEnv("MODEL_PATH", "yolov8n.onnx"),
		ModelConfidence:    getEnvFloat("MODEL_CONFIDENCE", 0.25),
		MaxUploadSizeMB:    getEnvInt("MAX_UPLOAD_SIZE_MB", 512),
		MaxMessageSizeMB:   getEnvInt("MAX_MESSAGE_SIZE_MB", 50),
		TempDir:            getEnv("TEMP_DIR", os.TempDir()),
		TuningFile:         getEnv("TUNING_FILE", ""),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		Environment:        getEnv("ENVIRONMENT", "production"),
		ShutdownTimeoutSec: getEnvInt("SHUTDOWN_TIMEOUT_SEC", 10),
		DBDriver:           strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		SQLitePath:         getEnv("SQLITE_PATH", "crowd_monitor.db"),
		DBHost:             getEnv("DB_HOST", "localhost"),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBUser:             getEnv("DB_USER", "postgres"),
		DBPassword:         getEnv("DB_PASSWORD", ""),
		DBName:             getEnv("DB_NAME", "crowd_monitor"),
		DBSSLMode:          getEnv("DB_SSLMODE", "disable"),
		MQTTBroker:         getEnv("MQTT_BROKER", ""),
		MQTTClientID:       getEnv("MQTT_CLIENT_ID", "crowd-monitor"),
		MQTTTopicPrefix:    getEnv("MQTT_TOPIC_PREFIX", "crowd"),
	}

	if !cfg.UsesSQLite() && cfg.DBPassword == "" {
		logrus.Warn("DB_PASSWORD is not set")
	}
	if cfg.DBName == "" {
		logrus.Warn("DB_NAME is not set, using default: crowd_monitor")
		cfg.DBName = "crowd_monitor"
	}

	return cfg
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var ErrKeyEmpty = errors.New("config key is empty")

type Config struct {
	SERVICE_NAME   string
	TRACE_URL      string
	LOG_LEVEL      string
	LISTEN_ADDRESS string
	CACHE_TYPE     string
	QUEUE_TYPE     string
	STORAGE_TYPE   string
	HISTORY_TYPE   string
}

type CompileConfig struct {
	TASK_REPOSITORY  string
	AUTO_SYNC        bool
	MAX_COMPILATIONS int
	BUILDER_TYPE     string
	BUILD_COMMAND    string
	BUILD_OUTPUT     string
	BUILD_TIMEOUT    time.Duration
}

type DockerBuilderConfig struct {
	BUILDER_IMAGE   string
	SECCOMP_PROFILE string
	CPU_QUOTA       int
	MEMORY_BYTES    int
}

type LimiterConfig struct {
	QUEUE_SIZE   int
	MAX_INFLIGHT int
}

type NatsConfig struct {
	URL string
}

type NatsCacheConfig struct {
	TTL               int
	BUCKET_NAME       string
	BUCKET_SIZE_BYTES int
}

type NatsQueueConfig struct {
	MAX_MESSAGES_EVENT_QUEUE int
}

type RedisConfig struct {
	ClientPassword string
	URL            string
}

type RedisCacheConfig struct {
	TTL int
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type MinioConfig struct {
	URL              string
	ARTIFACTS_BUCKET string
	ACCESS_KEY       string
	SECRET_KEY       string
	USE_SSL          bool
}

type PostgresConfig struct {
	URL string
}

type SqliteConfig struct {
	PATH string
}

type KafkaConfig struct {
	BROKERS []string
	TOPIC   string
}

type TrackerConfig struct {
	SERVER_URL        string
	DOWNLOAD_PREFIX   string
	POLL_INTERVAL     time.Duration
	JOB_TIMEOUT       time.Duration
	REQUEST_TIMEOUT   time.Duration
	MAX_POLL_FAILURES int
}

// LoadEnv reads .env style files into the environment without overriding
// variables that are already set. Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("error loading env file %s: %w", f, err)
		}
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envOrDefault(key, fallback string) string {
	if v := env(key); v != "" {
		return v
	}
	return fallback
}

func missing(key string) error {
	return fmt.Errorf("%w: %s", ErrKeyEmpty, key)
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		return nil, missing("SERVICE_NAME")
	}
	ct := env("CACHE_TYPE")
	if ct == "" {
		return nil, missing("CACHE_TYPE")
	}
	qt := env("QUEUE_TYPE")
	if qt == "" {
		return nil, missing("QUEUE_TYPE")
	}
	st := env("STORAGE_TYPE")
	if st == "" {
		return nil, missing("STORAGE_TYPE")
	}
	ht := env("HISTORY_TYPE")
	if ht == "" {
		return nil, missing("HISTORY_TYPE")
	}
	return &Config{
		SERVICE_NAME:   sn,
		TRACE_URL:      env("TRACE_URL"),
		LOG_LEVEL:      envOrDefault("LOG_LEVEL", "info"),
		LISTEN_ADDRESS: envOrDefault("LISTEN_ADDRESS", ":8080"),
		CACHE_TYPE:     ct,
		QUEUE_TYPE:     qt,
		STORAGE_TYPE:   st,
		HISTORY_TYPE:   ht,
	}, nil
}

func GetCompileConfig() (*CompileConfig, error) {
	tr := env("TASK_REPOSITORY")
	if tr == "" {
		return nil, missing("TASK_REPOSITORY")
	}
	mc, err := convertStringToInt(env("MAX_COMPILATIONS"), "MAX_COMPILATIONS")
	if err != nil {
		return nil, err
	}
	if mc <= 0 {
		return nil, fmt.Errorf("KEY: MAX_COMPILATIONS must be positive")
	}
	bt := env("BUILDER_TYPE")
	if bt != "exec" && bt != "docker" {
		return nil, fmt.Errorf("KEY: BUILDER_TYPE is invalid")
	}
	bc := env("BUILD_COMMAND")
	if bc == "" {
		return nil, missing("BUILD_COMMAND")
	}
	to, err := convertStringToInt(envOrDefault("BUILD_TIMEOUT", "600"), "BUILD_TIMEOUT")
	if err != nil {
		return nil, err
	}
	as := envOrDefault("TASK_REPOSITORY_AUTO_SYNC", "false")
	if as != "true" && as != "false" {
		return nil, fmt.Errorf("KEY: TASK_REPOSITORY_AUTO_SYNC is invalid")
	}
	return &CompileConfig{
		TASK_REPOSITORY:  tr,
		AUTO_SYNC:        as == "true",
		MAX_COMPILATIONS: mc,
		BUILDER_TYPE:     bt,
		BUILD_COMMAND:    bc,
		BUILD_OUTPUT:     envOrDefault("BUILD_OUTPUT", "statement.pdf"),
		BUILD_TIMEOUT:    time.Duration(to) * time.Second,
	}, nil
}

func GetDockerBuilderConfig() (*DockerBuilderConfig, error) {
	bi := env("BUILDER_IMAGE")
	if bi == "" {
		return nil, missing("BUILDER_IMAGE")
	}
	cq, err := convertStringToInt(envOrDefault("BUILDER_CPU_QUOTA", "100000"), "BUILDER_CPU_QUOTA")
	if err != nil {
		return nil, err
	}
	mb, err := convertStringToInt(envOrDefault("BUILDER_MEMORY_BYTES", "1073741824"), "BUILDER_MEMORY_BYTES")
	if err != nil {
		return nil, err
	}
	return &DockerBuilderConfig{
		BUILDER_IMAGE:   bi,
		SECCOMP_PROFILE: env("SECCOMP_PROFILE"),
		CPU_QUOTA:       cq,
		MEMORY_BYTES:    mb,
	}, nil
}

func GetLimiterConfig() (*LimiterConfig, error) {
	qs, err := convertStringToInt(envOrDefault("LIMITER_QUEUE_SIZE", "64"), "LIMITER_QUEUE_SIZE")
	if err != nil {
		return nil, err
	}
	mi, err := convertStringToInt(envOrDefault("LIMITER_MAX_INFLIGHT", "16"), "LIMITER_MAX_INFLIGHT")
	if err != nil {
		return nil, err
	}
	return &LimiterConfig{
		QUEUE_SIZE:   qs,
		MAX_INFLIGHT: mi,
	}, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, missing("JETSTREAM_URL")
	}
	return &NatsConfig{
		URL: url,
	}, nil
}

func GetNatsCacheConfig() (*NatsCacheConfig, error) {
	ttl, err := convertStringToInt(env("JETSTREAM_TTL"), "JETSTREAM_TTL")
	if err != nil {
		return nil, err
	}
	bn := env("JETSTREAM_BUCKET_NAME")
	if bn == "" {
		return nil, missing("JETSTREAM_BUCKET_NAME")
	}
	bs, err := convertStringToInt(env("JETSTREAM_BUCKET_SIZE"), "JETSTREAM_BUCKET_SIZE")
	if err != nil {
		return nil, err
	}
	return &NatsCacheConfig{
		TTL:               ttl,
		BUCKET_NAME:       bn,
		BUCKET_SIZE_BYTES: bs,
	}, nil
}

func GetNatsQueueConfig() (*NatsQueueConfig, error) {
	mm, err := convertStringToInt(env("MAX_MESSAGES_EVENT_QUEUE"), "MAX_MESSAGES_EVENT_QUEUE")
	if err != nil {
		return nil, err
	}
	return &NatsQueueConfig{
		MAX_MESSAGES_EVENT_QUEUE: mm,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, missing("REDIS_ENDPOINT")
	}
	return &RedisConfig{
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetRedisCacheConfig() (*RedisCacheConfig, error) {
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}
	return &RedisCacheConfig{
		TTL: ttl,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := convertStringToInt(env("FREECACHE_TTL"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	fs, err := convertStringToInt(env("FREECACHE_SIZE"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, missing("MINIO_ENDPOINT")
	}

	ab := env("MINIO_ARTIFACTS_BUCKET")
	if ab == "" {
		return nil, missing("MINIO_ARTIFACTS_BUCKET")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, missing("MINIO_ACCESS_KEY")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, missing("MINIO_SECRET_KEY")
	}

	return &MinioConfig{
		URL:              url,
		ARTIFACTS_BUCKET: ab,
		USE_SSL:          ssl == "true",
		ACCESS_KEY:       ak,
		SECRET_KEY:       sk,
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, missing("POSTGRES_URL")
	}
	return &PostgresConfig{
		URL: url,
	}, nil
}

func GetSqliteConfig() (*SqliteConfig, error) {
	return &SqliteConfig{
		PATH: envOrDefault("SQLITE_PATH", "taskcompile.db"),
	}, nil
}

func GetKafkaConfig() (*KafkaConfig, error) {
	raw := env("KAFKA_BROKERS")
	brokers := make([]string, 0)
	for _, b := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, missing("KAFKA_BROKERS")
	}
	return &KafkaConfig{
		BROKERS: brokers,
		TOPIC:   envOrDefault("KAFKA_TOPIC", "compile-events"),
	}, nil
}

func GetTrackerConfig() (*TrackerConfig, error) {
	su := env("TRACKER_SERVER_URL")
	if su == "" {
		return nil, missing("TRACKER_SERVER_URL")
	}
	dp := envOrDefault("TRACKER_DOWNLOAD_PREFIX", "download")
	if dp != "download" && dp != "pdf" {
		return nil, fmt.Errorf("KEY: TRACKER_DOWNLOAD_PREFIX is invalid")
	}
	pi, err := convertStringToInt(envOrDefault("TRACKER_POLL_INTERVAL_MS", "500"), "TRACKER_POLL_INTERVAL_MS")
	if err != nil {
		return nil, err
	}
	jt, err := convertStringToInt(envOrDefault("TRACKER_JOB_TIMEOUT", "300"), "TRACKER_JOB_TIMEOUT")
	if err != nil {
		return nil, err
	}
	rt, err := convertStringToInt(envOrDefault("TRACKER_REQUEST_TIMEOUT", "10"), "TRACKER_REQUEST_TIMEOUT")
	if err != nil {
		return nil, err
	}
	mf, err := convertStringToInt(envOrDefault("TRACKER_MAX_POLL_FAILURES", "5"), "TRACKER_MAX_POLL_FAILURES")
	if err != nil {
		return nil, err
	}
	return &TrackerConfig{
		SERVER_URL:        strings.TrimRight(su, "/"),
		DOWNLOAD_PREFIX:   dp,
		POLL_INTERVAL:     time.Duration(pi) * time.Millisecond,
		JOB_TIMEOUT:       time.Duration(jt) * time.Second,
		REQUEST_TIMEOUT:   time.Duration(rt) * time.Second,
		MAX_POLL_FAILURES: mf,
	}, nil
}

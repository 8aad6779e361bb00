package config

import "time"

// Config holds runtime configuration for the release controller.
type Config struct {
	Environment      string
	LogLevel         string
	Addr             string
	DatabaseURL      string
	MigrationsDir    string
	ScriptsDir       string
	StorageDriver    string
	EnvironmentsFile string
	OperatorToken    string
	TokenTTL         time.Duration

	LeaseRedisAddr string
	LeaseRedisPass string
	LeaseRedisDB   int

	KubeNamespace      string
	KubeTrafficService string
	KubeContainerName  string
	ImageRepository    string
	ImageSourceTag     string
	DockerHost         string

	SnapshotBucket      string
	SnapshotCredentials string
	SnapshotSealKey     string
	PrometheusURL       string

	InitialVersion        string
	DeploymentTimeout     time.Duration
	HotUpdateTimeout      time.Duration
	CanaryMonitorWindow   time.Duration
	RolloutStepDelay      time.Duration
	HealthPollInterval    time.Duration
	HealthCheckTimeout    time.Duration
	RollbackRetention     time.Duration
	RollbackSweepSchedule string
	RollbackVerifyURL     string

	Approvers     []string
	NotifyWebhook string
	NotifySlack   string
	NotifyEvents  []string
	WSEventBuffer int

	RateLimitWrite int
	RateLimitRead  int
}

// LoadConfig constructs a Config from environment variables.
func LoadConfig() Config {
	return Config{
		Environment:      GetString("APP_ENV", "development"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		Addr:             GetString("API_ADDR", ":4100"),
		DatabaseURL:      GetString("DATABASE_URL", "postgres://releasectl:releasectl@db:5432/releasectl?sslmode=disable"),
		MigrationsDir:    GetString("DB_MIGRATIONS_DIR", ""),
		ScriptsDir:       GetString("MIGRATION_SCRIPTS_DIR", ""),
		StorageDriver:    GetString("STORAGE_DRIVER", "postgres"),
		EnvironmentsFile: GetString("ENVIRONMENTS_FILE", ""),
		OperatorToken:    GetString("OPERATOR_TOKEN_SECRET", "supersecuresecret"),
		TokenTTL:         time.Duration(GetInt("OPERATOR_TOKEN_TTL_HOURS", 12)) * time.Hour,

		LeaseRedisAddr: GetString("LEASE_REDIS_ADDR", ""),
		LeaseRedisPass: GetString("LEASE_REDIS_PASSWORD", ""),
		LeaseRedisDB:   GetInt("LEASE_REDIS_DB", 0),

		KubeNamespace:      GetString("KUBE_NAMESPACE", ""),
		KubeTrafficService: GetString("KUBE_TRAFFIC_SERVICE", "releasectl-active"),
		KubeContainerName:  GetString("KUBE_CONTAINER_NAME", ""),
		ImageRepository:    GetString("IMAGE_REPOSITORY", ""),
		ImageSourceTag:     GetString("IMAGE_SOURCE_TAG", "latest"),
		DockerHost:         GetString("DOCKER_HOST", ""),

		SnapshotBucket:      GetString("SNAPSHOT_BUCKET", ""),
		SnapshotCredentials: GetString("SNAPSHOT_CREDENTIALS_FILE", ""),
		SnapshotSealKey:     GetString("SNAPSHOT_SEAL_KEY", ""),
		PrometheusURL:       GetString("PROMETHEUS_URL", ""),

		InitialVersion:        GetString("INITIAL_VERSION", "1.0.0"),
		DeploymentTimeout:     GetSeconds("DEPLOYMENT_TIMEOUT_SECONDS", 1800),
		HotUpdateTimeout:      GetSeconds("HOT_UPDATE_TIMEOUT_SECONDS", 3600),
		CanaryMonitorWindow:   GetSeconds("CANARY_MONITOR_SECONDS", 60),
		RolloutStepDelay:      GetSeconds("ROLLOUT_STEP_DELAY_SECONDS", 30),
		HealthPollInterval:    GetSeconds("HEALTH_POLL_SECONDS", 30),
		HealthCheckTimeout:    GetSeconds("HEALTH_CHECK_TIMEOUT_SECONDS", 10),
		RollbackRetention:     time.Duration(GetInt("ROLLBACK_RETENTION_HOURS", 168)) * time.Hour,
		RollbackSweepSchedule: GetString("ROLLBACK_SWEEP_SCHEDULE", "@every 1h"),
		RollbackVerifyURL:     GetString("ROLLBACK_VERIFY_URL", ""),

		Approvers:     GetList("APPROVERS", []string{"release-manager", "sre-oncall", "security-lead"}),
		NotifyWebhook: GetString("NOTIFY_WEBHOOK_URL", ""),
		NotifySlack:   GetString("NOTIFY_SLACK_WEBHOOK_URL", ""),
		NotifyEvents:  GetList("NOTIFY_EVENTS", []string{"started", "completed", "failed", "rolled_back"}),
		WSEventBuffer: GetInt("WS_EVENT_BUFFER", 64),

		RateLimitWrite: GetInt("RATE_LIMIT_WRITE_PER_MINUTE", 60),
		RateLimitRead:  GetInt("RATE_LIMIT_READ_PER_MINUTE", 240),
	}
}

// IsProduction reports whether the controller runs against production.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

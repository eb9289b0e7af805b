// Package config loads the worker's configuration the way the rest of
// this codebase's ancestry does: a struct of fields with a
// Default*Config constructor, flags layered under environment
// overrides, parsed once at process start.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// ShardAlgorithm selects how a worker computes a row's scuttle bucket.
type ShardAlgorithm string

const (
	AlgorithmHashMod ShardAlgorithm = "HASH_MOD"
	AlgorithmModOnly ShardAlgorithm = "MOD_ONLY"
)

// WorkerConfig holds everything a worker process needs at startup. It is
// populated once by LoadConfigFromFlags and threaded through as a plain
// collaborator, never reached for as a global.
type WorkerConfig struct {
	// Identity
	ModuleName    string
	InstanceID    string
	LogPrefix     string
	CALSessName   string

	// Upstream database
	DBHost    string
	DBDSN     string
	DBTimeout time.Duration

	// Inherited fd layout (see spec §6)
	DataFD    int
	ControlFD int

	// Shard rewriting
	ShardKeyName      string
	ScuttleAttrName   string
	MaxScuttleBuckets int
	Algorithm         ShardAlgorithm

	// Markdown engine
	MarkdownDir      string
	OpsConfigPath    string

	// Statement cache
	StmtCacheMaxSize      int
	StmtCacheExpireAfter  time.Duration
	StmtCacheExpireEvery  time.Duration
	StmtCachePerSession   bool

	// Special-query cache
	SpecialCacheSize int
	SpecialCacheTTL  time.Duration

	// Fetch / bind
	MaxFetchBlockSize int
	MaxArrayRowNum    int
	NullString        string // sentinel VALUE payload a fetched NULL column renders as

	// Control channel watcher
	KeepaliveInterval time.Duration
	PingThrottle      time.Duration

	// Lifecycle limits
	MaxRequestsPerWorker int
	MaxLifespanSeconds   int

	// CAL / telemetry
	CALAMQPURL   string
	CALEnabled   bool

	// Debug
	DebugWaitOnStart bool
}

// DefaultWorkerConfig returns the defaults every field falls back to
// before flags and environment variables are applied.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		ModuleName:  "occworker",
		LogPrefix:   "occworker",
		CALSessName: "occworker",

		DBDSN:     "occuser:occpass@tcp(localhost:3306)/occdb",
		DBTimeout: 5 * time.Second,

		DataFD:    3,
		ControlFD: 4,

		ShardKeyName:      "shard_key",
		ScuttleAttrName:   "scuttle_id",
		MaxScuttleBuckets: 1024,
		Algorithm:         AlgorithmHashMod,

		MarkdownDir:   "./markdown",
		OpsConfigPath: "./occworker.conf",

		StmtCacheMaxSize:     200,
		StmtCacheExpireAfter: 30 * time.Minute,
		StmtCacheExpireEvery: 5 * time.Minute,
		StmtCachePerSession:  false,

		SpecialCacheSize: 256,
		SpecialCacheTTL:  10 * time.Minute,

		MaxFetchBlockSize: 100,
		MaxArrayRowNum:    1000,
		NullString:        "",

		KeepaliveInterval: 30 * time.Second,
		PingThrottle:      1 * time.Second,

		MaxRequestsPerWorker: 0, // 0 = unlimited
		MaxLifespanSeconds:   0,

		CALEnabled: false,

		DebugWaitOnStart: false,
	}
}

// LoadConfigFromFlags layers flag defaults then environment overrides
// on top of DefaultWorkerConfig, matching the flag-then-env precedence
// the rest of this codebase's configuration loading uses.
func LoadConfigFromFlags() *WorkerConfig {
	cfg := DefaultWorkerConfig()

	flag.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "upstream database DSN")
	flag.DurationVar(&cfg.DBTimeout, "db-timeout", cfg.DBTimeout, "per-call database timeout")
	flag.IntVar(&cfg.DataFD, "data-fd", cfg.DataFD, "inherited data channel file descriptor")
	flag.IntVar(&cfg.ControlFD, "control-fd", cfg.ControlFD, "inherited control channel file descriptor")

	flag.StringVar(&cfg.ShardKeyName, "shard-key-name", cfg.ShardKeyName, "bind/hint name carrying the shard key")
	flag.StringVar(&cfg.ScuttleAttrName, "scuttle-attr-name", cfg.ScuttleAttrName, "column/bind name carrying the scuttle id")
	flag.IntVar(&cfg.MaxScuttleBuckets, "max-scuttle-buckets", cfg.MaxScuttleBuckets, "number of scuttle buckets")

	flag.StringVar(&cfg.MarkdownDir, "markdown-dir", cfg.MarkdownDir, "directory of markdown rule files")
	flag.StringVar(&cfg.OpsConfigPath, "ops-config", cfg.OpsConfigPath, "path to the ops-config file")

	flag.IntVar(&cfg.StmtCacheMaxSize, "stmt-cache-size", cfg.StmtCacheMaxSize, "max prepared statement cache entries")
	flag.DurationVar(&cfg.StmtCacheExpireAfter, "stmt-cache-expire-after", cfg.StmtCacheExpireAfter, "statement age before it's eligible for expiry")
	flag.DurationVar(&cfg.StmtCacheExpireEvery, "stmt-cache-expire-every", cfg.StmtCacheExpireEvery, "minimum interval between expiry sweeps")
	flag.BoolVar(&cfg.StmtCachePerSession, "stmt-cache-per-session", cfg.StmtCachePerSession, "disable cross-request statement caching")

	flag.IntVar(&cfg.SpecialCacheSize, "special-cache-size", cfg.SpecialCacheSize, "max entries in the special-query cache")
	flag.DurationVar(&cfg.SpecialCacheTTL, "special-cache-ttl", cfg.SpecialCacheTTL, "special-query cache entry TTL")

	flag.IntVar(&cfg.MaxFetchBlockSize, "max-fetch-block-size", cfg.MaxFetchBlockSize, "rows fetched per block")
	flag.IntVar(&cfg.MaxArrayRowNum, "max-array-row-num", cfg.MaxArrayRowNum, "max rows in an array bind")
	flag.StringVar(&cfg.NullString, "null-string", cfg.NullString, "VALUE payload a fetched NULL column renders as")

	flag.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", cfg.KeepaliveInterval, "control channel keepalive ping interval")
	flag.DurationVar(&cfg.PingThrottle, "ping-throttle", cfg.PingThrottle, "minimum interval between keepalive pings")

	flag.IntVar(&cfg.MaxRequestsPerWorker, "max-requests-per-worker", cfg.MaxRequestsPerWorker, "requests before clean exit (0 = unlimited)")
	flag.IntVar(&cfg.MaxLifespanSeconds, "max-lifespan-seconds", cfg.MaxLifespanSeconds, "seconds before clean exit (0 = unlimited)")

	flag.BoolVar(&cfg.CALEnabled, "cal-enabled", cfg.CALEnabled, "publish CAL telemetry events over AMQP")
	flag.StringVar(&cfg.CALAMQPURL, "cal-amqp-url", cfg.CALAMQPURL, "AMQP URL for the CAL telemetry sink")

	flag.BoolVar(&cfg.DebugWaitOnStart, "debug-wait", cfg.DebugWaitOnStart, "block on start until SIGCONT (attach a debugger)")

	flag.Parse()

	cfg.ModuleName = getEnv("OCC_MODULE_NAME", cfg.ModuleName)
	cfg.InstanceID = getEnv("OCC_INSTANCE_ID", cfg.InstanceID)
	cfg.LogPrefix = getEnv("OCC_LOG_PREFIX", cfg.LogPrefix)
	cfg.CALSessName = getEnv("OCC_CAL_SESSION_NAME", cfg.CALSessName)
	cfg.DBHost = getEnv("OCC_DB_HOST", cfg.DBHost)
	cfg.DBDSN = getEnv("OCC_DB_DSN", cfg.DBDSN)

	cfg.ShardKeyName = getEnv("OCC_SHARD_KEY_NAME", cfg.ShardKeyName)
	cfg.ScuttleAttrName = getEnv("OCC_SCUTTLE_ATTR_NAME", cfg.ScuttleAttrName)
	cfg.MaxScuttleBuckets = getEnvInt("OCC_MAX_SCUTTLE_BUCKETS", cfg.MaxScuttleBuckets)
	if alg := os.Getenv("OCC_SHARD_ALGORITHM"); alg != "" {
		cfg.Algorithm = ShardAlgorithm(alg)
	}

	cfg.MarkdownDir = getEnv("OCC_MARKDOWN_DIR", cfg.MarkdownDir)
	cfg.OpsConfigPath = getEnv("OCC_OPS_CONFIG", cfg.OpsConfigPath)

	cfg.NullString = getEnv("OCC_NULL_STRING", cfg.NullString)

	cfg.MaxRequestsPerWorker = getEnvInt("OCC_MAX_REQUESTS_PER_WORKER", cfg.MaxRequestsPerWorker)
	cfg.MaxLifespanSeconds = getEnvInt("OCC_MAX_LIFESPAN_SECONDS", cfg.MaxLifespanSeconds)

	cfg.CALEnabled = getEnvBool("OCC_CAL_ENABLED", cfg.CALEnabled)
	cfg.CALAMQPURL = getEnv("OCC_CAL_AMQP_URL", cfg.CALAMQPURL)

	cfg.DebugWaitOnStart = getEnvBool("OCC_DEBUG_WAIT", cfg.DebugWaitOnStart)

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Settings holds the runtime configuration for the coordinator. The three
// liveness intervals (report cadence, bandwidth staleness, ping timeout) are
// deliberately independent values; keep StalenessThreshold above the expected
// report interval or idle sites will flap offline.
type Settings struct {
	ListenAddr string
	MySQLDSN   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ExitNodeName string // local instance's exit node, resolved lazily

	ReportInterval     time.Duration // expected cadence of bandwidth batches
	StalenessThreshold time.Duration // no-bandwidth window before a site goes offline
	PingTimeout        time.Duration // no-ping window before a client goes offline
	SweepInterval      time.Duration // keepalive sweeper period
	GraceDelay         time.Duration // wait between terminate message and disconnect
	ProbeTimeout       time.Duration // exit-node liveness probe bound

	RateSyncInterval time.Duration // rate governor flush period
	UsageEnabled     bool          // push org usage + limit checks

	PingRateMax    int // keepalive pings per olm per window
	IngestRateMax  int // reports per exit node per window
	IngestBatchMax int // bandwidth batches per exit node per window
}

// Load reads .env (when present) and the environment, applying defaults.
func Load() Settings {
	_ = loadDotEnv()
	s := Settings{
		ListenAddr:         envDefault("LISTEN_ADDR", ":8080"),
		MySQLDSN:           os.Getenv("MYSQL_DSN"),
		RedisAddr:          envDefault("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            envInt("REDIS_DB", 0),
		ExitNodeName:       os.Getenv("EXIT_NODE_NAME"),
		ReportInterval:     envDuration("REPORT_INTERVAL", 10*time.Second),
		StalenessThreshold: envDuration("STALENESS_THRESHOLD", 60*time.Second),
		PingTimeout:        envDuration("PING_TIMEOUT", 2*time.Minute),
		SweepInterval:      envDuration("SWEEP_INTERVAL", 30*time.Second),
		GraceDelay:         envDuration("GRACE_DELAY", time.Second),
		ProbeTimeout:       envDuration("PROBE_TIMEOUT", 1500*time.Millisecond),
		RateSyncInterval:   envDuration("RATE_SYNC_INTERVAL", 10*time.Second),
		UsageEnabled:       envBool("USAGE_ENABLED", false),
		PingRateMax:        envInt("PING_RATE_MAX", 100),
		IngestRateMax:      envInt("INGEST_RATE_MAX", 120),
		IngestBatchMax:     envInt("INGEST_BATCH_MAX", 60),
	}
	if s.StalenessThreshold <= s.ReportInterval {
		log.Printf("config warning: STALENESS_THRESHOLD %v <= REPORT_INTERVAL %v; active sites may flap offline", s.StalenessThreshold, s.ReportInterval)
	}
	if s.PingTimeout <= s.SweepInterval {
		log.Printf("config warning: PING_TIMEOUT %v <= SWEEP_INTERVAL %v", s.PingTimeout, s.SweepInterval)
	}
	return s
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("invalid duration for %s: %q, using %v", key, v, def)
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Database configuration
	DBDriver string `long:"db-driver" env:"DB_DRIVER" default:"sqlite" choice:"sqlite" choice:"postgres" description:"Cache store backend"`
	DBPath   string `long:"db-path" env:"DB_PATH" default:"./data/auto-comb.db" description:"SQLite database file"`
	DBURL    string `long:"db-url" env:"DATABASE_URL" description:"PostgreSQL connection URL (postgres driver)"`

	// Pipeline configuration
	SourcesDir      string        `long:"sources-dir" env:"SOURCES_DIR" default:"./sources" description:"Directory containing source configuration files"`
	TuningFile      string        `long:"tuning-file" env:"TUNING_FILE" default:"./tuning.yml" description:"Pipeline tuning file (defaults apply when missing)"`
	Cities          []string      `long:"city" env:"CITIES" env-delim:"," description:"City to ingest on schedule (repeatable)"`
	Concurrency     int           `long:"concurrency" env:"CONCURRENCY" default:"4" description:"Sources fetched in parallel per run"`
	RunTimeout      time.Duration `long:"run-timeout" env:"RUN_TIMEOUT" default:"2m" description:"Deadline for one ingestion run"`
	IngestInterval  time.Duration `long:"ingest-interval" env:"INGEST_INTERVAL" default:"30m" description:"Interval between scheduled ingestions of a city"`
	SweepInterval   time.Duration `long:"sweep-interval" env:"SWEEP_INTERVAL" default:"1h" description:"Interval between cache sweeps"`
	RescoreInterval time.Duration `long:"rescore-interval" env:"RESCORE_INTERVAL" default:"6h" description:"Interval between full trust rescoring"`

	// Collaborators
	PriceInsightsURL string `long:"price-insights-url" env:"PRICE_INSIGHTS_URL" description:"Base URL of the price insight service (optional)"`
	ImageVerifierURL string `long:"image-verifier-url" env:"IMAGE_VERIFIER_URL" description:"Base URL of the image verification service (optional)"`

	// Application configuration
	Port              string        `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseURL           string        `long:"base-url" env:"BASE_URL" description:"Public base URL used in generated feed links"`
	WorkerCount       int           `long:"worker-count" env:"WORKER_COUNT" default:"4" description:"Number of background workers"`
	SchedulerInterval time.Duration `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"30s" description:"Scheduler tick interval"`
	APIAccessKey      string        `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Auto Comb/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, Asia/Kolkata)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Load reads an optional .env file and then parses flags and environment.
// It returns nil without error when help was requested.
func Load(args []string) (*Cfg, error) {
	return load(".env", args)
}

func load(envFile string, args []string) (*Cfg, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", envFile, err)
	}

	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if raw.DBDriver == "postgres" && raw.DBURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
	}

	cfg := &Cfg{
		DBDriver:          raw.DBDriver,
		DBPath:            raw.DBPath,
		DBURL:             raw.DBURL,
		SourcesDir:        raw.SourcesDir,
		TuningFile:        raw.TuningFile,
		Cities:            cleanCities(raw.Cities),
		Concurrency:       raw.Concurrency,
		RunTimeout:        raw.RunTimeout,
		IngestInterval:    raw.IngestInterval,
		SweepInterval:     raw.SweepInterval,
		RescoreInterval:   raw.RescoreInterval,
		PriceInsightsURL:  strings.TrimRight(raw.PriceInsightsURL, "/"),
		ImageVerifierURL:  strings.TrimRight(raw.ImageVerifierURL, "/"),
		Port:              raw.Port,
		BaseURL:           strings.TrimRight(raw.BaseURL, "/"),
		WorkerCount:       raw.WorkerCount,
		SchedulerInterval: raw.SchedulerInterval,
		APIAccessKey:      raw.APIAccessKey,
		UserAgent:         raw.UserAgent,
		Timezone:          raw.Timezone,
		Debug:             raw.Debug,
		Version:           GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	return cfg, nil
}

func cleanCities(cities []string) []string {
	seen := make(map[string]bool, len(cities))
	var out []string
	for _, c := range cities {
		c = strings.TrimSpace(c)
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return err
		}
		time.Local = loc
	}
	return nil
}

package cfg

import "time"

type Cfg struct {
	// Database configuration
	DBDriver string
	DBPath   string
	DBURL    string

	// Pipeline configuration
	SourcesDir      string
	TuningFile      string
	Cities          []string
	Concurrency     int
	RunTimeout      time.Duration
	IngestInterval  time.Duration
	SweepInterval   time.Duration
	RescoreInterval time.Duration

	// Collaborators
	PriceInsightsURL string
	ImageVerifierURL string

	// Application configuration
	Port              string
	BaseURL           string
	WorkerCount       int
	SchedulerInterval time.Duration
	APIAccessKey      string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}

// PublicURL is the base for links in generated feeds.
func (c *Cfg) PublicURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "http://localhost:" + c.Port
}

// DSN returns the data source for the configured driver.
func (c *Cfg) DSN() string {
	if c.DBDriver == "postgres" {
		return c.DBURL
	}
	return c.DBPath
}

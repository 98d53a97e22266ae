package sources

import "time"

type Kind string

const (
	KindHTTPJSON Kind = "http_json"
	KindRSS      Kind = "rss"
	KindMock     Kind = "mock"
)

type Config struct {
	Name       string              // Derived from filename (without .yml extension)
	Kind       Kind                `yaml:"kind"`
	URL        string              `yaml:"url"`
	Shape      string              `yaml:"shape"`
	Provenance string              `yaml:"provenance"`
	Settings   ConfigSettings      `yaml:"settings"`
	Fields     map[string][]string `yaml:"fields"`   // canonical field -> raw keys tried in order
	Fixtures   []map[string]string `yaml:"fixtures"` // mock kind only
}

type ConfigSettings struct {
	Enabled bool     `yaml:"enabled"`
	TTL     int      `yaml:"ttl"`     // seconds
	Timeout int      `yaml:"timeout"` // seconds
	Cities  []string `yaml:"cities"`  // empty means every city
}

func (c *Config) TTL() time.Duration {
	return time.Duration(c.Settings.TTL) * time.Second
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Settings.Timeout) * time.Second
}

// ServesCity reports whether the source should be asked about city.
func (c *Config) ServesCity(city string) bool {
	if len(c.Settings.Cities) == 0 {
		return true
	}
	for _, cc := range c.Settings.Cities {
		if equalFold(cc, city) {
			return true
		}
	}
	return false
}

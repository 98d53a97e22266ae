package adapters

import (
	"fmt"
	"net/http"
	"time"

	"github.com/lysyi3m/auto-comb/app/source"
	"github.com/lysyi3m/auto-comb/app/sources"
)

type Options struct {
	Client    *http.Client
	UserAgent string
	Timeout   time.Duration
	Now       func() time.Time
}

func (o Options) fetcher(name, accept string) httpFetcher {
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	return httpFetcher{
		name:      name,
		client:    client,
		userAgent: o.UserAgent,
		timeout:   o.Timeout,
		accept:    accept,
	}
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

// New builds the adapter described by a source config.
func New(cfg *sources.Config, opts Options) (source.Adapter, error) {
	if t := cfg.Timeout(); t > 0 {
		opts.Timeout = t
	}

	switch cfg.Kind {
	case sources.KindHTTPJSON:
		return NewHTTPJSON(cfg.Name, cfg.URL, cfg.Fields["external_id"], opts), nil
	case sources.KindRSS:
		return NewRSS(cfg.Name, cfg.URL, opts), nil
	case sources.KindMock:
		return NewMock(cfg.Name, cfg.Fixtures, opts), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q for %s", cfg.Kind, cfg.Name)
	}
}

// Registry holds one adapter per enabled source.
type Registry struct {
	configs  []*sources.Config
	adapters map[string]source.Adapter
}

func NewRegistry(configs []*sources.Config, opts Options) (*Registry, error) {
	r := &Registry{adapters: make(map[string]source.Adapter, len(configs))}
	for _, cfg := range configs {
		a, err := New(cfg, opts)
		if err != nil {
			return nil, err
		}
		r.configs = append(r.configs, cfg)
		r.adapters[cfg.Name] = a
	}
	return r, nil
}

// ForCity returns the adapters whose source serves city, in config order.
func (r *Registry) ForCity(city string) []source.Adapter {
	var out []source.Adapter
	for _, cfg := range r.configs {
		if cfg.ServesCity(city) {
			out = append(out, r.adapters[cfg.Name])
		}
	}
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.configs))
	for _, cfg := range r.configs {
		names = append(names, cfg.Name)
	}
	return names
}

package assetproxy

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultVersion labels the cache generation when the config names none.
const DefaultVersion = "neurobridge-quantum-portfolio-v1"

// DefaultFallback is the landing page served to failed navigations.
const DefaultFallback = "/templates/index.html"

// DefaultManifest is the set of assets that must be available offline.
var DefaultManifest = []string{
	"/",
	"/templates/index.html",
	"/templates/projects-dashboard.html",
	"/statics/styles.css",
	"/statics/app.js",
	"/statics/manifest.json",
	"/statics/icons/icon-192.png",
	"/statics/icons/icon-512.png",
	"https://fonts.googleapis.com/css2?family=Orbitron:wght@400;500;700;900&display=swap",
	"https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/css/bootstrap.min.css",
	"https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/js/bootstrap.bundle.min.js",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.5.2/css/all.min.css",
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	Cache   CacheConfig   `yaml:"cache"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port         int    `yaml:"port" env:"ASSETPROXY_PORT"`
	Origin       string `yaml:"origin" env:"ASSETPROXY_ORIGIN"`
	FetchTimeout string `yaml:"fetchTimeout" env:"ASSETPROXY_FETCH_TIMEOUT"`
	// AllowedHosts are extra hosts reachable through absolute-form requests,
	// on top of the origin and the hosts named in the manifest.
	AllowedHosts []string `yaml:"allowedHosts" env:"ASSETPROXY_ALLOWED_HOSTS" envSeparator:","`

	// compiled
	originURL       *url.URL
	fetchTimeoutDur time.Duration
	allowedHosts    map[string]struct{}
}

type AdminConfig struct {
	Port int `yaml:"port" env:"ASSETPROXY_ADMIN_PORT"`
}

type CacheConfig struct {
	Version        string         `yaml:"version" env:"ASSETPROXY_VERSION"`
	Fallback       string         `yaml:"fallback"`
	BlockedSchemes []string       `yaml:"blockedSchemes"`
	Manifest       []string       `yaml:"manifest"`
	Discover       DiscoverConfig `yaml:"discover"`
}

type DiscoverConfig struct {
	Sitemaps []string `yaml:"sitemaps"`
	Limit    int      `yaml:"limit"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" env:"ASSETPROXY_STORAGE"`
	Path    string `yaml:"path" env:"ASSETPROXY_STORAGE_PATH"`
	RAM     struct {
		Max string `yaml:"max"`
	} `yaml:"ram"`
	Redis struct {
		Addr     string `yaml:"addr" env:"ASSETPROXY_REDIS_ADDR"`
		Password string `yaml:"password" env:"ASSETPROXY_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"ASSETPROXY_REDIS_DB"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	// compiled
	ramMaxBytes int64
}

type LoggingConfig struct {
	LogStatsEvery string `yaml:"logStatsEvery" env:"ASSETPROXY_LOG_STATS_EVERY"`

	// compiled
	logStatsEveryDur time.Duration
}

// Version describes one cache generation: its label, the assets it must
// hold after install and the document served to offline navigations.
type Version struct {
	Label    string   `json:"version"`
	Manifest []string `json:"manifest"`
	Fallback string   `json:"fallback"`

	Sitemaps      []string `json:"sitemaps,omitempty"`
	DiscoverLimit int      `json:"discoverLimit,omitempty"`
}

// Version returns the generation described by the cache section.
func (c Config) Version() Version {
	return Version{
		Label:         c.Cache.Version,
		Manifest:      append([]string(nil), c.Cache.Manifest...),
		Fallback:      c.Cache.Fallback,
		Sitemaps:      append([]string(nil), c.Cache.Discover.Sitemaps...),
		DiscoverLimit: c.Cache.Discover.Limit,
	}
}

// OriginURL is the parsed server.origin.
func (c Config) OriginURL() *url.URL { return c.Server.originURL }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("server.origin: want http(s)://host, got %q", cfg.Server.Origin)
	}
	cfg.Server.originURL = u

	cfg.Server.allowedHosts = make(map[string]struct{}, len(cfg.Server.AllowedHosts))
	for i, h := range cfg.Server.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || strings.ContainsAny(h, "/?#@ ") {
			return fmt.Errorf("server.allowedHosts[%d]: want host or host:port, got %q", i, cfg.Server.AllowedHosts[i])
		}
		cfg.Server.allowedHosts[h] = struct{}{}
	}

	cfg.Server.fetchTimeoutDur = 30 * time.Second
	if cfg.Server.FetchTimeout != "" {
		d, err := time.ParseDuration(cfg.Server.FetchTimeout)
		if err != nil {
			return fmt.Errorf("server.fetchTimeout: %w", err)
		}
		cfg.Server.fetchTimeoutDur = d
	}

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = DefaultVersion
	}
	if cfg.Cache.Fallback == "" {
		cfg.Cache.Fallback = DefaultFallback
	}
	if cfg.Cache.BlockedSchemes == nil {
		cfg.Cache.BlockedSchemes = []string{"chrome-extension"}
	}
	if len(cfg.Cache.Manifest) == 0 {
		cfg.Cache.Manifest = append([]string(nil), DefaultManifest...)
	}
	if cfg.Cache.Discover.Limit <= 0 {
		cfg.Cache.Discover.Limit = 200
	}
	if err := validateVersion(cfg.Version()); err != nil {
		return fmt.Errorf("cache.%w", err)
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = "leveldb"
	case "leveldb", "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case "leveldb":
			cfg.Storage.Path = "./data/leveldb"
		case "sqlite":
			cfg.Storage.Path = "./data/cache.db"
		}
	}
	if cfg.Storage.Backend == "redis" && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required for the redis backend")
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64m"
	}
	n, err := parseByteSize(cfg.Storage.RAM.Max)
	if err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	cfg.Storage.ramMaxBytes = n

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

// validateVersion checks a Version the same way for the config file and
// for updates pushed through the admin API.
func validateVersion(v Version) error {
	if strings.TrimSpace(v.Label) == "" {
		return fmt.Errorf("version: empty label")
	}
	if len(v.Manifest) == 0 {
		return fmt.Errorf("manifest: empty")
	}
	for i, m := range v.Manifest {
		if err := validateAssetRef(m); err != nil {
			return fmt.Errorf("manifest[%d]: %w", i, err)
		}
	}
	if !strings.HasPrefix(v.Fallback, "/") {
		return fmt.Errorf("fallback: must be a path, got %q", v.Fallback)
	}
	found := false
	for _, m := range v.Manifest {
		if m == v.Fallback {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("fallback: %q is not in the manifest", v.Fallback)
	}
	for i, sm := range v.Sitemaps {
		if err := validateAssetRef(sm); err != nil {
			return fmt.Errorf("discover.sitemaps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAssetRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("empty entry")
	}
	if strings.HasPrefix(ref, "/") {
		return nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("want a path or http(s) URL, got %q", ref)
	}
	return nil
}

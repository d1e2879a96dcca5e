package rideworker

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Worker struct {
		// Version names the current store generation, e.g. "v1" yields
		// stores "<prefix>static-v1" and "<prefix>dynamic-v1".
		Version     string `yaml:"version"`
		StorePrefix string `yaml:"storePrefix"`
	} `yaml:"worker"`

	Static struct {
		// Manifest is the fixed, versioned list of paths pre-populated
		// on install.
		Manifest   []string `yaml:"manifest"`
		Extensions []string `yaml:"extensions"`
		ShellPaths []string `yaml:"shellPaths"`
		CDNHosts   []string `yaml:"cdnHosts"`
	} `yaml:"static"`

	API struct {
		Prefix    string   `yaml:"prefix"`
		WarmPaths []string `yaml:"warmPaths"`
	} `yaml:"api"`

	Dynamic struct {
		MaxEntries int `yaml:"maxEntries"`
	} `yaml:"dynamic"`

	Install struct {
		// Strict aborts the whole install if any manifest entry fails to
		// fetch. The default tolerates partial failure and proceeds with
		// whatever succeeded.
		Strict bool `yaml:"strict"`
	} `yaml:"install"`

	Sync struct {
		BookingsPath string `yaml:"bookingsPath"`
		RidesPath    string `yaml:"ridesPath"`
	} `yaml:"sync"`

	Notify NotifyConfig `yaml:"notify"`
}

type NotifyConfig struct {
	DefaultTitle string `yaml:"defaultTitle"`
	DefaultIcon  string `yaml:"defaultIcon"`
	BookingsURL  string `yaml:"bookingsURL"`
	SearchURL    string `yaml:"searchURL"`
}

var defaultExtensions = []string{
	".css", ".js", ".mjs", ".map",
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
}

var defaultShellPaths = []string{"/", "/index.html", "/manifest.json"}

var defaultCDNHosts = []string{
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"cdn.jsdelivr.net",
	"unpkg.com",
}

var defaultWarmPaths = []string{"/api/rides/search", "/api/bookings", "/api/profile"}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}

	if cfg.Worker.Version == "" {
		cfg.Worker.Version = "v1"
	}
	if cfg.Worker.StorePrefix == "" {
		cfg.Worker.StorePrefix = "rideshare-"
	}

	if len(cfg.Static.Extensions) == 0 {
		cfg.Static.Extensions = defaultExtensions
	}
	if len(cfg.Static.ShellPaths) == 0 {
		cfg.Static.ShellPaths = defaultShellPaths
	}
	if len(cfg.Static.CDNHosts) == 0 {
		cfg.Static.CDNHosts = defaultCDNHosts
	}
	for i, p := range cfg.Static.Manifest {
		p = strings.TrimSpace(p)
		if p == "" {
			return fmt.Errorf("static.manifest[%d]: empty path", i)
		}
		if !strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
			return fmt.Errorf("static.manifest[%d]: %q must be a path or absolute URL", i, p)
		}
		cfg.Static.Manifest[i] = p
	}

	if cfg.API.Prefix == "" {
		cfg.API.Prefix = "/api/"
	}
	if !strings.HasPrefix(cfg.API.Prefix, "/") {
		return fmt.Errorf("api.prefix must start with /")
	}
	if len(cfg.API.WarmPaths) == 0 {
		cfg.API.WarmPaths = defaultWarmPaths
	}

	if cfg.Dynamic.MaxEntries == 0 {
		cfg.Dynamic.MaxEntries = 50
	}
	if cfg.Dynamic.MaxEntries < 0 {
		return fmt.Errorf("dynamic.maxEntries must be positive")
	}

	if cfg.Sync.BookingsPath == "" {
		cfg.Sync.BookingsPath = "/api/bookings"
	}
	if cfg.Sync.RidesPath == "" {
		cfg.Sync.RidesPath = "/api/rides"
	}

	if cfg.Notify.DefaultTitle == "" {
		cfg.Notify.DefaultTitle = "Ride Update"
	}
	if cfg.Notify.DefaultIcon == "" {
		cfg.Notify.DefaultIcon = "/img/icons/icon-192.png"
	}
	if cfg.Notify.BookingsURL == "" {
		cfg.Notify.BookingsURL = "/bookings"
	}
	if cfg.Notify.SearchURL == "" {
		cfg.Notify.SearchURL = "/search"
	}
	return nil
}

// StaticStore returns the name of the current static store generation.
func (cfg *Config) StaticStore() string {
	return cfg.Worker.StorePrefix + "static-" + cfg.Worker.Version
}

// DynamicStore returns the name of the current dynamic store generation.
func (cfg *Config) DynamicStore() string {
	return cfg.Worker.StorePrefix + "dynamic-" + cfg.Worker.Version
}

// SubmitPath returns the origin path mutations of the given kind replay to.
func (cfg *Config) SubmitPath(kind TaskKind) string {
	if kind == TaskRideOffer {
		return cfg.Sync.RidesPath
	}
	return cfg.Sync.BookingsPath
}

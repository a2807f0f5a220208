package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the streaming gateway.
// It covers the proxy's forged-header defaults, the origin resolution chain,
// retry behavior, and runtime environment flags.
type Config struct {
	BaseURL             string        `json:"baseURL"`             // Public base URL of this gateway (used to build proxied links)
	ListenPort          int           `json:"listenPort"`          // HTTP listen port
	DatabasePath        string        `json:"databasePath"`        // SQLite settings database path
	LogLevel            string        `json:"logLevel"`            // Log level: DEBUG, INFO, WARN, ERROR
	Debug               bool          `json:"debug"`               // Enable debug logging
	ObfuscateUrls       bool          `json:"obfuscateUrls"`       // Obfuscate upstream URLs in logs
	CacheEnabled        bool          `json:"cacheEnabled"`        // Whether manifest caching is enabled
	CacheDuration       time.Duration `json:"cacheDuration"`       // TTL for cached rewritten manifests
	ProbeTimeout        time.Duration `json:"probeTimeout"`        // Timeout for origin reachability probes
	UpstreamTimeout     time.Duration `json:"upstreamTimeout"`     // Timeout for proxied upstream fetches (segments can be large)
	MaxRetries          int           `json:"maxRetries"`          // Retry attempts for catalog calls
	RetryDelay          time.Duration `json:"retryDelay"`          // Fixed delay between retries
	WorkerThreads       int           `json:"workerThreads"`       // Worker pool size for background prefetch
	MaxConnectionsToApp int           `json:"maxConnectionsToApp"` // Maximum concurrent client connections
	RateLimitPerHost    int           `json:"rateLimitPerHost"`    // Outbound requests per second per upstream host
	DefaultReferer      string        `json:"defaultReferer"`      // Referer sent upstream when the request carries none
	DefaultUserAgent    string        `json:"defaultUserAgent"`    // User-Agent sent upstream when the request carries none
	CloudOrigin         string        `json:"cloudOrigin"`         // Fixed cloud fallback origin for catalog calls
	LocalOriginPath     string        `json:"localOriginPath"`     // In-app reverse proxy path probed as the local candidate
	ProbePath           string        `json:"probePath"`           // Path appended to candidate origins for reachability probes
	ClientVersion       string        `json:"clientVersion"`       // Expected version token for the compatibility probe
	AdminPasswordHash   string        `json:"adminPasswordHash"`   // bcrypt hash protecting settings mutation, empty = open
	RuntimeNative       bool          `json:"runtimeNative"`       // Running inside a native shell (no same-device local server)
	RuntimeCloudHost    bool          `json:"runtimeCloudHost"`    // Running inside the matching cloud web deployment
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling configuration.
// String duration fields (e.g., "25s") are parsed into time.Duration values.
type ConfigFile struct {
	BaseURL             string `json:"baseURL"`
	ListenPort          int    `json:"listenPort"`
	DatabasePath        string `json:"databasePath"`
	LogLevel            string `json:"logLevel"`
	Debug               bool   `json:"debug"`
	ObfuscateUrls       bool   `json:"obfuscateUrls"`
	CacheEnabled        bool   `json:"cacheEnabled"`
	CacheDuration       string `json:"cacheDuration"`   // Duration as string (e.g., "30s")
	ProbeTimeout        string `json:"probeTimeout"`    // Duration as string (e.g., "3s")
	UpstreamTimeout     string `json:"upstreamTimeout"` // Duration as string (e.g., "25s")
	MaxRetries          int    `json:"maxRetries"`
	RetryDelay          string `json:"retryDelay"` // Duration as string (e.g., "1s")
	WorkerThreads       int    `json:"workerThreads"`
	MaxConnectionsToApp int    `json:"maxConnectionsToApp"`
	RateLimitPerHost    int    `json:"rateLimitPerHost"`
	DefaultReferer      string `json:"defaultReferer"`
	DefaultUserAgent    string `json:"defaultUserAgent"`
	CloudOrigin         string `json:"cloudOrigin"`
	LocalOriginPath     string `json:"localOriginPath"`
	ProbePath           string `json:"probePath"`
	ClientVersion       string `json:"clientVersion"`
	AdminPasswordHash   string `json:"adminPasswordHash"`
	RuntimeNative       bool   `json:"runtimeNative"`
	RuntimeCloudHost    bool   `json:"runtimeCloudHost"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from ANIGATE_CONFIG or `/settings/config.json`.
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("ANIGATE_CONFIG")
	if configPath == "" {
		configPath = "/settings/config.json"
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	// Cache for future calls
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Base URL: %s", config.BaseURL)
		log.Printf("  Cloud origin: %s", obfuscateURL(config.CloudOrigin))
		log.Printf("  Probe timeout: %s", config.ProbeTimeout)
		log.Printf("  Upstream timeout: %s", config.UpstreamTimeout)
		log.Printf("  Runtime native: %v, cloud host: %v", config.RuntimeNative, config.RuntimeCloudHost)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:             cf.BaseURL,
		ListenPort:          cf.ListenPort,
		DatabasePath:        cf.DatabasePath,
		LogLevel:            cf.LogLevel,
		Debug:               cf.Debug,
		ObfuscateUrls:       cf.ObfuscateUrls,
		CacheEnabled:        cf.CacheEnabled,
		MaxRetries:          cf.MaxRetries,
		WorkerThreads:       cf.WorkerThreads,
		MaxConnectionsToApp: cf.MaxConnectionsToApp,
		RateLimitPerHost:    cf.RateLimitPerHost,
		DefaultReferer:      cf.DefaultReferer,
		DefaultUserAgent:    cf.DefaultUserAgent,
		CloudOrigin:         cf.CloudOrigin,
		LocalOriginPath:     cf.LocalOriginPath,
		ProbePath:           cf.ProbePath,
		ClientVersion:       cf.ClientVersion,
		AdminPasswordHash:   cf.AdminPasswordHash,
		RuntimeNative:       cf.RuntimeNative,
		RuntimeCloudHost:    cf.RuntimeCloudHost,
	}

	// Parse duration fields, tolerating absent values (defaults fill in later)
	var err error
	if cf.CacheDuration != "" {
		if config.CacheDuration, err = time.ParseDuration(cf.CacheDuration); err != nil {
			return nil, fmt.Errorf("invalid cacheDuration: %w", err)
		}
	}
	if cf.ProbeTimeout != "" {
		if config.ProbeTimeout, err = time.ParseDuration(cf.ProbeTimeout); err != nil {
			return nil, fmt.Errorf("invalid probeTimeout: %w", err)
		}
	}
	if cf.UpstreamTimeout != "" {
		if config.UpstreamTimeout, err = time.ParseDuration(cf.UpstreamTimeout); err != nil {
			return nil, fmt.Errorf("invalid upstreamTimeout: %w", err)
		}
	}
	if cf.RetryDelay != "" {
		if config.RetryDelay, err = time.ParseDuration(cf.RetryDelay); err != nil {
			return nil, fmt.Errorf("invalid retryDelay: %w", err)
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:             "http://localhost:8080",
		ListenPort:          8080,
		DatabasePath:        "/settings/anigate.db",
		LogLevel:            "INFO",
		Debug:               false,
		ObfuscateUrls:       false,
		CacheEnabled:        true,
		CacheDuration:       30 * time.Second,
		ProbeTimeout:        3 * time.Second,
		UpstreamTimeout:     25 * time.Second,
		MaxRetries:          3,
		RetryDelay:          time.Second,
		WorkerThreads:       4,
		MaxConnectionsToApp: 100,
		RateLimitPerHost:    10,
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenPort <= 0 {
		config.ListenPort = 8080
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/anigate.db"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.CacheDuration <= 0 {
		config.CacheDuration = 30 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 3 * time.Second
	}
	if config.UpstreamTimeout <= 0 {
		config.UpstreamTimeout = 25 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}
	if config.MaxConnectionsToApp <= 0 {
		config.MaxConnectionsToApp = 100
	}
	if config.RateLimitPerHost <= 0 {
		config.RateLimitPerHost = 10
	}
	if config.DefaultReferer == "" {
		config.DefaultReferer = "https://megacloud.blog/"
	}
	if config.DefaultUserAgent == "" {
		config.DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	}
	if config.CloudOrigin == "" {
		config.CloudOrigin = "https://anigate-api.fly.dev"
	}
	if config.LocalOriginPath == "" {
		config.LocalOriginPath = "/api/anime"
	}
	if config.ProbePath == "" {
		config.ProbePath = "/home"
	}
	if config.ClientVersion == "" {
		config.ClientVersion = "1.0.0"
	}
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		BaseURL:             "http://localhost:8080",
		ListenPort:          8080,
		DatabasePath:        "/settings/anigate.db",
		LogLevel:            "INFO",
		Debug:               false,
		ObfuscateUrls:       true,
		CacheEnabled:        true,
		CacheDuration:       "30s",
		ProbeTimeout:        "3s",
		UpstreamTimeout:     "25s",
		MaxRetries:          3,
		RetryDelay:          "1s",
		WorkerThreads:       4,
		MaxConnectionsToApp: 100,
		RateLimitPerHost:    10,
		DefaultReferer:      "https://megacloud.blog/",
		DefaultUserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		CloudOrigin:         "https://anigate-api.fly.dev",
		LocalOriginPath:     "/api/anime",
		ProbePath:           "/home",
		ClientVersion:       "1.0.0",
		AdminPasswordHash:   "",
		RuntimeNative:       false,
		RuntimeCloudHost:    false,
	}

	// setup the data properly
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for logging.
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}

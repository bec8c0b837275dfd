package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"
)

const appName = "edgectl"

type Config struct {
	Database     *dbConfig           `json:"database,omitempty"`
	Service      *svcConfig          `json:"service,omitempty"`
	Mqtt         *mqttConfig         `json:"mqtt,omitempty"`
	License      *licenseConfig      `json:"license,omitempty"`
	Provisioning *provisioningConfig `json:"provisioning,omitempty"`
	State        *stateConfig        `json:"state,omitempty"`
	Jobs         *jobsConfig         `json:"jobs,omitempty"`
	BrokerAuth   *brokerAuthConfig   `json:"brokerAuth,omitempty"`
}

type dbConfig struct {
	Type     string `json:"type,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Port     uint   `json:"port,omitempty"`
	Name     string `json:"name,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
}

type svcConfig struct {
	Address   string `json:"address,omitempty"`
	BaseUrl   string `json:"baseUrl,omitempty"`
	TlsCaFile string `json:"tlsCaFile,omitempty"`
	TlsVerify bool   `json:"tlsVerify,omitempty"`
	LogLevel  string `json:"logLevel,omitempty"`
}

type mqttConfig struct {
	// BrokerUrl is the broker connection descriptor handed to devices in
	// the provisioning bundle.
	BrokerUrl string `json:"brokerUrl,omitempty"`
	// InternalUrl is the address this process connects to for publishing
	// job notifications and ingesting status updates. Defaults to BrokerUrl.
	InternalUrl string `json:"internalUrl,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
}

type licenseConfig struct {
	// Envelope is the signed license blob (JWS compact serialization).
	// Absent means the deployment runs under the unlicensed trial policy.
	Envelope string `json:"envelope,omitempty"`
	// PublicKeyFile holds the PEM verification key for the envelope.
	PublicKeyFile string `json:"publicKeyFile,omitempty"`
}

type provisioningConfig struct {
	RateLimitRequests int           `json:"rateLimitRequests,omitempty"`
	RateLimitWindow   time.Duration `json:"rateLimitWindow,omitempty"`
}

type stateConfig struct {
	// DefaultTemplate is the desired state installed for newly admitted
	// devices, as a JSON object with "apps" and "config" keys. String
	// values may reference {{device_id}}.
	DefaultTemplate json.RawMessage `json:"defaultTemplate,omitempty"`
}

type jobsConfig struct {
	RetentionDays    int           `json:"retentionDays,omitempty"`
	SchedulerEnabled bool          `json:"schedulerEnabled,omitempty"`
	DispatchTimeout  time.Duration `json:"dispatchTimeout,omitempty"`
}

type brokerAuthConfig struct {
	CacheTTL        time.Duration `json:"cacheTTL,omitempty"`
	DecisionTimeout time.Duration `json:"decisionTimeout,omitempty"`
}

func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

func NewDefault() *Config {
	c := &Config{
		Database: &dbConfig{
			Type:     "pgsql",
			Hostname: "localhost",
			Port:     5432,
			Name:     "edgectl",
			User:     "admin",
			Password: "adminpass",
		},
		Service: &svcConfig{
			Address:   ":3443",
			BaseUrl:   "https://localhost:3443",
			TlsVerify: true,
			LogLevel:  "info",
		},
		Mqtt: &mqttConfig{
			BrokerUrl: "ssl://localhost:8883",
		},
		License:      &licenseConfig{},
		Provisioning: &provisioningConfig{RateLimitRequests: 10, RateLimitWindow: time.Minute},
		State:        &stateConfig{},
		Jobs:         &jobsConfig{RetentionDays: 30, SchedulerEnabled: true, DispatchTimeout: 10 * time.Minute},
		BrokerAuth:   &brokerAuthConfig{CacheTTL: 30 * time.Second, DecisionTimeout: 5 * time.Second},
	}
	return c
}

func NewFromFile(cfgFile string) (*Config, error) {
	cfg, err := Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrGenerate(cfgFile string) (*Config, error) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(cfgFile), os.FileMode(0755)); err != nil {
			return nil, fmt.Errorf("creating directory for config file: %w", err)
		}
		if err := Save(NewDefault(), cfgFile); err != nil {
			return nil, err
		}
	}
	return NewFromFile(cfgFile)
}

func Load(cfgFile string) (*Config, error) {
	contents, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	c := NewDefault()
	if err := yaml.Unmarshal(contents, c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

func Save(cfg *Config, cfgFile string) error {
	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(cfgFile, contents, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func Validate(cfg *Config) error {
	if cfg.Database == nil || cfg.Database.Name == "" {
		return fmt.Errorf("database.name must be set")
	}
	if cfg.License != nil && cfg.License.Envelope != "" && cfg.License.PublicKeyFile == "" {
		return fmt.Errorf("license.publicKeyFile must be set when license.envelope is present")
	}
	if cfg.Jobs != nil && cfg.Jobs.RetentionDays < 0 {
		return fmt.Errorf("jobs.retentionDays must not be negative")
	}
	return nil
}

func (cfg *Config) String() string {
	contents, err := json.Marshal(cfg)
	if err != nil {
		return "<error>"
	}
	return string(contents)
}

package config

import (
	"fmt"
	"time"
)

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// Load complete configuration
	LoadConfig() (*ConfigData, error)

	// Get specific configuration sections
	GetSources() (*SourcesData, error)
	GetStorageConfig() (*StorageData, error)
	GetMirrors() ([]MirrorData, error)

	IsReadOnly() bool
	Close() error
}

// Backend names accepted by NewProvider.
const (
	BackendYAML   = "yaml"
	BackendTOML   = "toml"
	BackendSQLite = "sqlite"
)

// NewProvider opens the configuration source named by backend.
func NewProvider(backend, path string) (ConfigProvider, error) {
	switch backend {
	case "", BackendYAML:
		return NewYAMLProvider(path), nil
	case BackendTOML:
		return NewTOMLProvider(path), nil
	case BackendSQLite:
		return NewSQLiteProvider(path)
	}
	return nil, fmt.Errorf("unknown config backend %q", backend)
}

// ConfigData represents the complete configuration structure
type ConfigData struct {
	TimeZone   string          `yaml:"time-zone,omitempty" toml:"time_zone" json:"time_zone,omitempty"`
	Poll       PollData        `yaml:"poll,omitempty" toml:"poll" json:"poll"`
	Backfill   BackfillData    `yaml:"backfill,omitempty" toml:"backfill" json:"backfill"`
	Sources    SourcesData     `yaml:"sources" toml:"sources" json:"sources"`
	Storage    StorageData     `yaml:"storage,omitempty" toml:"storage" json:"storage"`
	Mirrors    []MirrorData    `yaml:"mirrors,omitempty" toml:"mirrors" json:"mirrors,omitempty"`
	RESTServer *RESTServerData `yaml:"rest,omitempty" toml:"rest" json:"rest,omitempty"`
}

// PollData holds the per-provider poll intervals as Go duration strings.
type PollData struct {
	SensorsInterval string `yaml:"sensors-interval,omitempty" toml:"sensors_interval" json:"sensors_interval,omitempty"`
	EnergyInterval  string `yaml:"energy-interval,omitempty" toml:"energy_interval" json:"energy_interval,omitempty"`
	WaterInterval   string `yaml:"water-interval,omitempty" toml:"water_interval" json:"water_interval,omitempty"`
	// WindowDays is how far back each energy and water poll reaches.
	WindowDays int `yaml:"window-days,omitempty" toml:"window_days" json:"window_days,omitempty"`
}

// BackfillData bounds historical re-ingestion.
type BackfillData struct {
	ChunkDays int `yaml:"chunk-days,omitempty" toml:"chunk_days" json:"chunk_days,omitempty"`
	MaxDays   int `yaml:"max-days,omitempty" toml:"max_days" json:"max_days,omitempty"`
}

// SourcesData holds one credential set per provider. A nil provider is not
// polled.
type SourcesData struct {
	Glowmarkt   *GlowmarktData   `yaml:"glowmarkt,omitempty" toml:"glowmarkt" json:"glowmarkt,omitempty"`
	WaterPortal *WaterPortalData `yaml:"waterportal,omitempty" toml:"waterportal" json:"waterportal,omitempty"`
	Ecowitt     *EcowittData     `yaml:"ecowitt,omitempty" toml:"ecowitt" json:"ecowitt,omitempty"`
	// TokenMargin is how long before expiry a cached token is replaced.
	TokenMargin string `yaml:"token-margin,omitempty" toml:"token_margin" json:"token_margin,omitempty"`
	HTTPTimeout string `yaml:"http-timeout,omitempty" toml:"http_timeout" json:"http_timeout,omitempty"`
}

type GlowmarktData struct {
	BaseURL       string `yaml:"base-url,omitempty" toml:"base_url" json:"base_url,omitempty"`
	Username      string `yaml:"username" toml:"username" json:"username"`
	Password      string `yaml:"password" toml:"password" json:"password"`
	ApplicationID string `yaml:"application-id" toml:"application_id" json:"application_id"`
	// Resource ids of the virtual entity. Cost resources are optional.
	ElectricityResource     string `yaml:"electricity-resource,omitempty" toml:"electricity_resource" json:"electricity_resource,omitempty"`
	ElectricityCostResource string `yaml:"electricity-cost-resource,omitempty" toml:"electricity_cost_resource" json:"electricity_cost_resource,omitempty"`
	GasResource             string `yaml:"gas-resource,omitempty" toml:"gas_resource" json:"gas_resource,omitempty"`
	GasCostResource         string `yaml:"gas-cost-resource,omitempty" toml:"gas_cost_resource" json:"gas_cost_resource,omitempty"`
}

type WaterPortalData struct {
	BaseURL       string `yaml:"base-url" toml:"base_url" json:"base_url"`
	Username      string `yaml:"username" toml:"username" json:"username"`
	Password      string `yaml:"password" toml:"password" json:"password"`
	AccountNumber string `yaml:"account-number,omitempty" toml:"account_number" json:"account_number,omitempty"`
}

type EcowittData struct {
	BaseURL        string            `yaml:"base-url,omitempty" toml:"base_url" json:"base_url,omitempty"`
	ApplicationKey string            `yaml:"application-key" toml:"application_key" json:"application_key"`
	APIKey         string            `yaml:"api-key" toml:"api_key" json:"api_key"`
	MAC            string            `yaml:"mac" toml:"mac" json:"mac"`
	Labels         map[string]string `yaml:"labels,omitempty" toml:"labels" json:"labels,omitempty"`
}

// StorageData selects the local store.
type StorageData struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver,omitempty" toml:"driver" json:"driver,omitempty"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn,omitempty" toml:"dsn" json:"dsn,omitempty"`
}

// MirrorData configures one best-effort secondary store.
type MirrorData struct {
	Type      string         `yaml:"type" toml:"type" json:"type"`
	PostgREST *PostgRESTData `yaml:"postgrest,omitempty" toml:"postgrest" json:"postgrest,omitempty"`
	InfluxDB  *InfluxDBData  `yaml:"influxdb,omitempty" toml:"influxdb" json:"influxdb,omitempty"`
}

type PostgRESTData struct {
	URL    string `yaml:"url" toml:"url" json:"url"`
	APIKey string `yaml:"api-key" toml:"api_key" json:"api_key"`
}

type InfluxDBData struct {
	URL    string `yaml:"url" toml:"url" json:"url"`
	Token  string `yaml:"token" toml:"token" json:"token"`
	Org    string `yaml:"org" toml:"org" json:"org"`
	Bucket string `yaml:"bucket" toml:"bucket" json:"bucket"`
}

type RESTServerData struct {
	ListenAddr  string   `yaml:"listen-addr,omitempty" toml:"listen_addr" json:"listen_addr,omitempty"`
	Port        int      `yaml:"port,omitempty" toml:"port" json:"port,omitempty"`
	CORSOrigins []string `yaml:"cors-origins,omitempty" toml:"cors_origins" json:"cors_origins,omitempty"`
}

// Mirror types.
const (
	MirrorPostgREST = "postgrest"
	MirrorInfluxDB  = "influxdb"
)

// Defaults applied by Validate.
const (
	DefaultTimeZone        = "Europe/London"
	DefaultSensorsInterval = "5m"
	DefaultEnergyInterval  = "30m"
	DefaultWaterInterval   = "6h"
	DefaultWindowDays      = 3
	DefaultChunkDays       = 10
	DefaultMaxDays         = 400
	DefaultTokenMargin     = "1h"
	DefaultHTTPTimeout     = "30s"
	DefaultDriver          = "sqlite"
	DefaultSQLiteDSN       = "utilitywatch.db"
	DefaultRESTPort        = 8080
)

// Validate fills in defaults and checks that every value can be used.
func (c *ConfigData) Validate() error {
	if c.TimeZone == "" {
		c.TimeZone = DefaultTimeZone
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid time-zone %q: %w", c.TimeZone, err)
	}

	setDefault(&c.Poll.SensorsInterval, DefaultSensorsInterval)
	setDefault(&c.Poll.EnergyInterval, DefaultEnergyInterval)
	setDefault(&c.Poll.WaterInterval, DefaultWaterInterval)
	setDefault(&c.Sources.TokenMargin, DefaultTokenMargin)
	setDefault(&c.Sources.HTTPTimeout, DefaultHTTPTimeout)
	for name, v := range map[string]string{
		"poll.sensors-interval": c.Poll.SensorsInterval,
		"poll.energy-interval":  c.Poll.EnergyInterval,
		"poll.water-interval":   c.Poll.WaterInterval,
		"sources.token-margin":  c.Sources.TokenMargin,
		"sources.http-timeout":  c.Sources.HTTPTimeout,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Poll.WindowDays <= 0 {
		c.Poll.WindowDays = DefaultWindowDays
	}
	if c.Backfill.ChunkDays <= 0 {
		c.Backfill.ChunkDays = DefaultChunkDays
	}
	if c.Backfill.MaxDays <= 0 {
		c.Backfill.MaxDays = DefaultMaxDays
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultDriver
	}
	switch c.Storage.Driver {
	case "sqlite":
		setDefault(&c.Storage.DSN, DefaultSQLiteDSN)
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	if g := c.Sources.Glowmarkt; g != nil {
		if g.Username == "" || g.Password == "" || g.ApplicationID == "" {
			return fmt.Errorf("glowmarkt requires username, password and application-id")
		}
		if g.ElectricityResource == "" && g.GasResource == "" {
			return fmt.Errorf("glowmarkt requires at least one of electricity-resource or gas-resource")
		}
	}
	if w := c.Sources.WaterPortal; w != nil {
		if w.BaseURL == "" || w.Username == "" || w.Password == "" {
			return fmt.Errorf("waterportal requires base-url, username and password")
		}
	}
	if e := c.Sources.Ecowitt; e != nil {
		if e.ApplicationKey == "" || e.APIKey == "" || e.MAC == "" {
			return fmt.Errorf("ecowitt requires application-key, api-key and mac")
		}
	}

	for i, m := range c.Mirrors {
		switch m.Type {
		case MirrorPostgREST:
			if m.PostgREST == nil || m.PostgREST.URL == "" {
				return fmt.Errorf("mirror %d: postgrest requires url", i)
			}
		case MirrorInfluxDB:
			if m.InfluxDB == nil || m.InfluxDB.URL == "" || m.InfluxDB.Bucket == "" {
				return fmt.Errorf("mirror %d: influxdb requires url and bucket", i)
			}
		default:
			return fmt.Errorf("mirror %d: unknown type %q", i, m.Type)
		}
	}

	if c.RESTServer != nil && c.RESTServer.Port == 0 {
		c.RESTServer.Port = DefaultRESTPort
	}
	return nil
}

func setDefault(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

// Location returns the configured time zone. Call Validate first.
func (c *ConfigData) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// SensorsDuration returns the sensor poll interval. Call Validate first.
func (p PollData) SensorsDuration() time.Duration { return mustDuration(p.SensorsInterval) }

// EnergyDuration returns the energy poll interval.
func (p PollData) EnergyDuration() time.Duration { return mustDuration(p.EnergyInterval) }

// WaterDuration returns the water poll interval.
func (p PollData) WaterDuration() time.Duration { return mustDuration(p.WaterInterval) }

// TokenMarginDuration returns the token refresh margin.
func (s SourcesData) TokenMarginDuration() time.Duration { return mustDuration(s.TokenMargin) }

// HTTPTimeoutDuration returns the provider request timeout.
func (s SourcesData) HTTPTimeoutDuration() time.Duration { return mustDuration(s.HTTPTimeout) }

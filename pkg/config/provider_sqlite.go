package config

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/NotCoffee418/dbmigrator"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Section keys of the settings table. Each value is the JSON encoding of the
// matching ConfigData member.
const (
	SectionTimeZone = "time_zone"
	SectionPoll     = "poll"
	SectionBackfill = "backfill"
	SectionSources  = "sources"
	SectionStorage  = "storage"
	SectionMirrors  = "mirrors"
	SectionREST     = "rest"
)

// SQLiteProvider implements ConfigProvider for SQLite database configuration
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteProvider creates a new SQLite configuration provider and brings the
// settings schema up to date.
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(db, migrationFS, "migrations")

	return &SQLiteProvider{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// getSection decodes one section into out. A missing section leaves out
// untouched and reports false.
func (s *SQLiteProvider) getSection(key string, out interface{}) (bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("setting %s is not valid JSON: %w", key, err)
	}
	return true, nil
}

// SetSection stores v as the JSON value of section key, replacing any prior
// value.
func (s *SQLiteProvider) SetSection(key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value))
	if err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

// SaveConfig writes every section of config.
func (s *SQLiteProvider) SaveConfig(config *ConfigData) error {
	sections := map[string]interface{}{
		SectionTimeZone: config.TimeZone,
		SectionPoll:     config.Poll,
		SectionBackfill: config.Backfill,
		SectionSources:  config.Sources,
		SectionStorage:  config.Storage,
		SectionMirrors:  config.Mirrors,
	}
	if config.RESTServer != nil {
		sections[SectionREST] = config.RESTServer
	}
	for key, v := range sections {
		if err := s.SetSection(key, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig loads the complete configuration from SQLite database
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	config := &ConfigData{}

	if _, err := s.getSection(SectionTimeZone, &config.TimeZone); err != nil {
		return nil, err
	}
	if _, err := s.getSection(SectionPoll, &config.Poll); err != nil {
		return nil, err
	}
	if _, err := s.getSection(SectionBackfill, &config.Backfill); err != nil {
		return nil, err
	}

	sources, err := s.GetSources()
	if err != nil {
		return nil, fmt.Errorf("failed to load sources: %w", err)
	}
	config.Sources = *sources

	storage, err := s.GetStorageConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}
	config.Storage = *storage

	mirrors, err := s.GetMirrors()
	if err != nil {
		return nil, fmt.Errorf("failed to load mirrors: %w", err)
	}
	config.Mirrors = mirrors

	var rest RESTServerData
	found, err := s.getSection(SectionREST, &rest)
	if err != nil {
		return nil, err
	}
	if found {
		config.RESTServer = &rest
	}

	return config, nil
}

// GetSources returns provider credentials from the database
func (s *SQLiteProvider) GetSources() (*SourcesData, error) {
	var sources SourcesData
	if _, err := s.getSection(SectionSources, &sources); err != nil {
		return nil, err
	}
	return &sources, nil
}

// GetStorageConfig returns the local store configuration from the database
func (s *SQLiteProvider) GetStorageConfig() (*StorageData, error) {
	var storage StorageData
	if _, err := s.getSection(SectionStorage, &storage); err != nil {
		return nil, err
	}
	return &storage, nil
}

// GetMirrors returns mirror configurations from the database
func (s *SQLiteProvider) GetMirrors() ([]MirrorData, error) {
	var mirrors []MirrorData
	if _, err := s.getSection(SectionMirrors, &mirrors); err != nil {
		return nil, err
	}
	return mirrors, nil
}

// IsReadOnly returns false since SQLite supports writes
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

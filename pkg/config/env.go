package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// EnvPrefix starts every environment override.
const EnvPrefix = "UTILITYWATCH_"

// ApplyEnv loads envFile (or ./.env when envFile is empty and the file exists)
// into the environment and then lets UTILITYWATCH_* variables replace secrets
// in config. Variables already set in the environment win over the file.
// Overrides only apply to sections that are configured.
func ApplyEnv(config *ConfigData, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("could not load env file %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("could not load .env: %w", err)
	}

	if g := config.Sources.Glowmarkt; g != nil {
		override(&g.Username, "GLOWMARKT_USERNAME")
		override(&g.Password, "GLOWMARKT_PASSWORD")
		override(&g.ApplicationID, "GLOWMARKT_APPLICATION_ID")
	}
	if w := config.Sources.WaterPortal; w != nil {
		override(&w.Username, "WATER_USERNAME")
		override(&w.Password, "WATER_PASSWORD")
	}
	if e := config.Sources.Ecowitt; e != nil {
		override(&e.ApplicationKey, "ECOWITT_APPLICATION_KEY")
		override(&e.APIKey, "ECOWITT_API_KEY")
	}
	for i := range config.Mirrors {
		if p := config.Mirrors[i].PostgREST; p != nil {
			override(&p.APIKey, "MIRROR_API_KEY")
		}
		if f := config.Mirrors[i].InfluxDB; f != nil {
			override(&f.Token, "INFLUXDB_TOKEN")
		}
	}
	override(&config.Storage.DSN, "DATABASE_DSN")
	return nil
}

func override(field *string, name string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		*field = v
	}
}

package managers

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/database"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/pkg/config"
)

// StorageManager holds the local store and the mirror engines fed from it
type StorageManager struct {
	Client  *database.Client
	Store   *storage.Store
	Mirror  *mirror.Manager
	engines []mirror.Engine
	logger  *zap.SugaredLogger
}

// NewStorageManager opens and migrates the local store and creates every
// configured mirror engine
func NewStorageManager(ctx context.Context, c *config.ConfigData, logger *zap.SugaredLogger) (*StorageManager, error) {
	s := &StorageManager{
		Client: database.NewClient(c.Storage, logger),
		logger: logger,
	}

	if err := s.Client.Connect(); err != nil {
		return nil, fmt.Errorf("could not open %s store: %v", c.Storage.Driver, err)
	}
	s.Store = storage.New(s.Client.DB)
	if err := s.Store.Migrate(ctx); err != nil {
		s.Client.Close()
		return nil, fmt.Errorf("could not migrate store: %v", err)
	}

	for _, m := range c.Mirrors {
		if err := s.AddEngine(m, c.Sources.HTTPTimeoutDuration()); err != nil {
			s.Close()
			return nil, fmt.Errorf("could not add %s mirror: %v", m.Type, err)
		}
	}
	s.Mirror = mirror.NewManager(s.engines...)

	logger.Infof("Local store ready (%s), mirrors: %v", c.Storage.Driver, s.Mirror.Engines())
	return s, nil
}

// AddEngine creates the mirror engine described by m
func (s *StorageManager) AddEngine(m config.MirrorData, timeout time.Duration) error {
	var (
		engine mirror.Engine
		err    error
	)

	switch m.Type {
	case config.MirrorPostgREST:
		if m.PostgREST == nil {
			return fmt.Errorf("missing postgrest settings")
		}
		engine, err = mirror.NewPostgREST(mirror.PostgRESTConfig{
			URL:     m.PostgREST.URL,
			APIKey:  m.PostgREST.APIKey,
			Timeout: timeout,
		})
	case config.MirrorInfluxDB:
		if m.InfluxDB == nil {
			return fmt.Errorf("missing influxdb settings")
		}
		engine, err = mirror.NewInfluxDB(mirror.InfluxDBConfig{
			URL:    m.InfluxDB.URL,
			Token:  m.InfluxDB.Token,
			Org:    m.InfluxDB.Org,
			Bucket: m.InfluxDB.Bucket,
		})
	default:
		return fmt.Errorf("unknown mirror type: %s", m.Type)
	}
	if err != nil {
		return err
	}

	s.engines = append(s.engines, engine)
	return nil
}

// Close shuts down the mirror engines and the database connection
func (s *StorageManager) Close() error {
	var mirrorErr error
	if s.Mirror != nil {
		mirrorErr = s.Mirror.Close()
	} else {
		for _, e := range s.engines {
			e.Close()
		}
	}
	if err := s.Client.Close(); err != nil {
		return err
	}
	return mirrorErr
}

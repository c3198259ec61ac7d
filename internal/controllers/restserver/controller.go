// Package restserver exposes the stored readings and the ingestion controls
// over HTTP.
package restserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/meter"
	"github.com/chrissnell/utilitywatch/internal/mirror"
	"github.com/chrissnell/utilitywatch/internal/scheduler"
	"github.com/chrissnell/utilitywatch/internal/storage"
	"github.com/chrissnell/utilitywatch/pkg/config"
)

// SensorsJob is the scheduler job whose runs are reported as polls on
// /api/current.
const SensorsJob = "sensors"

// Deps are the components the handlers read from and drive.
type Deps struct {
	Store      *storage.Store
	Scheduler  *scheduler.Scheduler
	Reconciler *meter.Reconciler
	Backfill   BackfillRunner
	Mirror     *mirror.Manager
	Location   *time.Location
}

// Controller represents the REST server controller
type Controller struct {
	ctx        context.Context
	wg         *sync.WaitGroup
	restConfig config.RESTServerData
	Server     http.Server
	deps       Deps
	logger     *zap.SugaredLogger
	handlers   *Handlers
}

// NewController creates a new REST server controller
func NewController(ctx context.Context, wg *sync.WaitGroup, rc config.RESTServerData, deps Deps) (*Controller, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("REST server needs a store")
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}

	ctrl := &Controller{
		ctx:        ctx,
		wg:         wg,
		restConfig: rc,
		deps:       deps,
		logger:     log.Named("rest"),
	}

	// If a ListenAddr was not provided, listen on all interfaces
	if rc.ListenAddr == "" {
		ctrl.logger.Info("rest.listen-addr not provided; defaulting to 0.0.0.0 (all interfaces)")
		rc.ListenAddr = "0.0.0.0"
	}

	// Set default HTTP port if not specified
	if rc.Port == 0 {
		ctrl.logger.Infof("rest.port not provided; defaulting to %d", config.DefaultRESTPort)
		rc.Port = config.DefaultRESTPort
	}

	ctrl.handlers = NewHandlers(ctrl)
	ctrl.Server.Addr = fmt.Sprintf("%v:%v", rc.ListenAddr, rc.Port)
	ctrl.Server.Handler = ctrl.Handler()
	ctrl.Server.ReadHeaderTimeout = 10 * time.Second

	return ctrl, nil
}

// Handler returns the router wrapped in CORS and request logging.
func (c *Controller) Handler() http.Handler {
	origins := c.restConfig.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return corsHandler.Handler(log.HTTPMiddleware(c.logger)(c.setupRouter()))
}

// StartController starts the REST server
func (c *Controller) StartController() error {
	c.logger.Infof("Starting REST server on %s...", c.Server.Addr)
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		if err := c.Server.ListenAndServe(); err != http.ErrServerClosed {
			c.logger.Errorf("REST server error: %v", err)
		}
	}()

	go func() {
		<-c.ctx.Done()
		c.logger.Info("Shutting down the REST server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Server.Shutdown(shutdownCtx)
	}()

	return nil
}

// setupRouter configures the HTTP router with all endpoints
func (c *Controller) setupRouter() *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/current", c.handlers.GetCurrent).Methods(http.MethodGet)
	api.HandleFunc("/history", c.handlers.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/poll/{job}", c.handlers.TriggerPoll).Methods(http.MethodPost)
	api.HandleFunc("/status", c.handlers.GetStatus).Methods(http.MethodGet)

	api.HandleFunc("/energy/latest", c.handlers.GetEnergyLatest).Methods(http.MethodGet)
	api.HandleFunc("/energy/daily", c.handlers.GetEnergyDaily).Methods(http.MethodGet)

	api.HandleFunc("/water/meter-readings", c.handlers.GetMeterReadings).Methods(http.MethodGet)
	api.HandleFunc("/water/meter-readings", c.handlers.PostMeterReading).Methods(http.MethodPost)
	api.HandleFunc("/water/readings", c.handlers.GetWaterReadings).Methods(http.MethodGet)
	api.HandleFunc("/water/readings", c.handlers.PostWaterReading).Methods(http.MethodPost)

	api.HandleFunc("/backfill", c.handlers.PostBackfill).Methods(http.MethodPost)

	return router
}

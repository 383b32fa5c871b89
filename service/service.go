// Package service wires the controller together and owns the worker
// lifecycle: the bus driver, input workers, config persistence, broker
// client and the watchdog.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/api"
	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/dali"
	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
	"github.com/edinburghhacklab/mqtt-dali-controller/internal/bootcfg"
	"github.com/edinburghhacklab/mqtt-dali-controller/lights"
	"github.com/edinburghhacklab/mqtt-dali-controller/network"
	"github.com/edinburghhacklab/mqtt-dali-controller/nvram"
	"github.com/edinburghhacklab/mqtt-dali-controller/telemetry"
)

// ErrRestart is returned from Run when a reboot was requested over the
// broker; the supervisor restarts the process.
var ErrRestart = errors.New("service: restart requested")

// errWatchdog is returned when a worker starved the watchdog.
var errWatchdog = errors.New("service: watchdog expired")

const (
	watchdogTimeout = 10 * time.Second
	// startupTimeout bounds the startup-complete broker round trip; on
	// expiry the process exits and a pending firmware image rolls back.
	startupTimeout = time.Minute
	configSaveTick = 10 * time.Second
)

// Board is the hardware mapping consumed by the service. Concrete targets
// provide peripheral-backed implementations; tests and host runs use the
// sim board from package hal.
type Board struct {
	Tx           hal.PulseTransmitter
	SwitchLines  []hal.Line
	ButtonLines  []hal.Line
	EncoderLines [][2]hal.Line
	Selector     hal.Selector
}

// Service is the assembled controller.
type Service struct {
	cfg    *bootcfg.Config
	board  Board
	logger zerolog.Logger

	collector telemetry.Collector
	registry  *prometheus.Registry

	net       *network.Client
	store     *config.Store
	model     *lights.Model
	sink      lights.Sink
	bus       *dali.Bus
	scheduler *dali.Scheduler
	switches  *inputsSwitches
	dimmers   *inputsDimmers
	router    *api.Router
	watchdog  *Watchdog
	nv        *nvram.Store

	started time.Time

	rebootCh   chan struct{}
	watchdogCh chan string
}

// New assembles the controller from the boot configuration and board.
func New(cfg *bootcfg.Config, board Board, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		cfg:        cfg,
		board:      board,
		logger:     logger.With().Str("component", "service").Logger(),
		registry:   prometheus.NewRegistry(),
		started:    time.Now(),
		rebootCh:   make(chan struct{}, 1),
		watchdogCh: make(chan string, 1),
	}

	collector, err := telemetry.NewPrometheusCollector(s.registry)
	if err != nil {
		return nil, fmt.Errorf("service: telemetry: %w", err)
	}
	s.collector = collector

	s.net, err = network.New(network.Settings{
		Broker:         cfg.MQTT.Broker,
		ClientIDPrefix: cfg.MQTT.ClientIDPrefix,
		TopicPrefix:    cfg.MQTT.Topic,
		IRCChannel:     cfg.MQTT.IRCChannel,
		ConnectTimeout: cfg.MQTT.ConnectTimeout.Duration,
		KeepAlive:      cfg.MQTT.KeepAlive.Duration,
	}, s.collector, logger)
	if err != nil {
		return nil, err
	}

	geometry := config.NewData(cfg.Hardware.Switches, cfg.Hardware.Buttons,
		cfg.Hardware.Dimmers, cfg.Hardware.SelectorPositions)
	s.store = config.New(cfg.Files.Config, cfg.Files.Backup, cfg.MQTT.Topic,
		geometry, s.net, s.collector, logger)
	s.store.Load()

	s.nv, err = nvram.Open(cfg.Files.NVRAM, cfg.Hardware.ColdBoot)
	if err != nil {
		return nil, err
	}

	if cfg.Remote() {
		s.sink = lights.NewRemote(s.store, s.net, cfg.MQTT.RemoteTopic, logger)
	} else {
		s.model = lights.NewModel(s.store, s.net, cfg.MQTT.Topic, s.nv,
			board.Selector, s.collector, logger)
		s.sink = s.model

		s.bus = dali.NewBus(board.Tx, s.collector, logger)
	}

	s.watchdog = NewWatchdog(watchdogTimeout, func(worker string) {
		s.logger.Error().Str("worker", worker).Msg("watchdog expired")
		select {
		case s.watchdogCh <- worker:
		default:
		}
	})

	if s.model != nil {
		s.scheduler = dali.NewScheduler(s.bus, s.model, s.collector, logger,
			s.watchdog.Register("scheduler"), s.watchdog.QuarterPeriod())
	}

	s.switches = newSwitches(s, board, logger)
	s.dimmers = newDimmers(s, board, logger)

	var apiModel api.Model
	if s.model != nil {
		apiModel = s.model
	}
	s.router = api.New(s.net, s.store, s.sink, apiModel, s.dimmers.impl(),
		cfg.MQTT.Topic, s.requestReboot, s.statusReport, s.collector, logger)
	s.net.SetHandlers(s.router.Connected, s.router.Receive)

	return s, nil
}

func (s *Service) requestReboot() {
	select {
	case s.rebootCh <- struct{}{}:
	default:
	}
}

func (s *Service) statusReport() string {
	mode := "local"
	if s.cfg.Remote() {
		mode = "remote"
	}
	return fmt.Sprintf("uptime=%s mode=%s device_id=%s",
		time.Since(s.started).Truncate(time.Second), mode, s.net.DeviceID())
}

// Run starts every worker and blocks until shutdown. The return value is
// nil on context cancellation, ErrRestart on a requested reboot and an
// error on watchdog expiry.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}

	start(s.watchdog.Run)
	start(func(ctx context.Context) {
		s.store.RunSaver(ctx, configSaveTick, s.watchdog.QuarterPeriod(),
			s.watchdog.Register("config-save"))
	})
	if s.scheduler != nil {
		start(s.scheduler.Run)
	}
	if s.switches != nil {
		start(s.switches.run)
	}
	if s.dimmers != nil {
		start(s.dimmers.run)
	}
	if s.cfg.Telemetry.Listen != "" {
		s.startMetrics(runCtx)
	}

	start(func(ctx context.Context) {
		if err := s.net.Start(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("broker connection failed")
		}
	})

	mainFeed := s.watchdog.Register("main")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	startupDeadline := time.Now().Add(startupTimeout)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-s.rebootCh:
			runErr = ErrRestart
			break loop
		case worker := <-s.watchdogCh:
			runErr = fmt.Errorf("%w: %s", errWatchdog, worker)
			break loop
		case <-ticker.C:
			mainFeed()
			if s.model != nil {
				s.model.Tick()
			}
			if !s.router.StartupComplete() && time.Now().After(startupDeadline) {
				runErr = errors.New("service: startup round trip timed out")
				break loop
			}
		}
	}

	cancel()
	s.store.SaveNow()
	s.net.Close()
	wg.Wait()
	return runErr
}

func (s *Service) startMetrics(ctx context.Context) {
	server := &http.Server{
		Addr: s.cfg.Telemetry.Listen,
		Handler: promhttp.HandlerFor(s.registry,
			promhttp.HandlerOpts{EnableOpenMetrics: true}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
	"github.com/edinburghhacklab/mqtt-dali-controller/internal/bootcfg"
	"github.com/edinburghhacklab/mqtt-dali-controller/internal/logging"
	"github.com/edinburghhacklab/mqtt-dali-controller/service"
)

// Exit codes understood by the process supervisor.
const (
	exitRestart  = 10
	exitWatchdog = 11
)

func main() {
	cfgPath := flag.String("config", "boot.yaml", "Path to boot configuration file")
	configCheck := flag.Bool("config-check", false, "Validate boot configuration and exit")
	flag.Parse()

	cfg, err := bootcfg.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load boot configuration")
	}
	if *configCheck {
		fmt.Println("Boot configuration OK.")
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := service.New(cfg, simBoard(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}

	switch err := srv.Run(ctx); {
	case err == nil:
	case errors.Is(err, service.ErrRestart):
		logger.Info().Msg("restarting")
		cleanup()
		os.Exit(exitRestart)
	default:
		logger.Error().Err(err).Msg("service stopped")
		cleanup()
		os.Exit(exitWatchdog)
	}
}

// simBoard maps the configured hardware geometry onto the simulated board.
// A target port replaces this with peripheral-backed lines.
func simBoard(cfg *bootcfg.Config) service.Board {
	board := service.Board{
		Tx:       hal.NewSimTransmitter(),
		Selector: hal.SimSelector{},
	}
	for i := 0; i < cfg.Hardware.Switches; i++ {
		board.SwitchLines = append(board.SwitchLines, hal.NewSimLine(false))
	}
	for i := 0; i < cfg.Hardware.Buttons; i++ {
		board.ButtonLines = append(board.ButtonLines, hal.NewSimLine(false))
	}
	for i := 0; i < cfg.Hardware.Dimmers; i++ {
		board.EncoderLines = append(board.EncoderLines,
			[2]hal.Line{hal.NewSimLine(true), hal.NewSimLine(true)})
	}
	return board
}

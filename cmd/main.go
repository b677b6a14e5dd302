package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/alecthomas/kong"
	"github.com/crazy-max/rarhash/internal/app"
	"github.com/crazy-max/rarhash/internal/config"
	"github.com/crazy-max/rarhash/internal/logging"
	"github.com/rs/zerolog/log"
)

var (
	rarhash *app.Rarhash
	cli     config.Cli
	version = "dev"
	meta    = config.Meta{
		ID:     "rarhash",
		Name:   "Rarhash",
		Desc:   "Extract password-recovery hash records from encrypted RAR archives",
		URL:    "https://github.com/crazy-max/rarhash",
		Author: "CrazyMax",
	}
)

func main() {
	var err error
	runtime.GOMAXPROCS(runtime.NumCPU())

	meta.Version = version

	_ = kong.Parse(&cli,
		kong.Name(meta.ID),
		kong.Description(fmt.Sprintf("%s. More info: %s", meta.Desc, meta.URL)),
		kong.UsageOnError(),
		kong.Vars{
			"version": version,
		},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	// Logging
	logging.Configure(cli)

	// Handle os signals
	channel := make(chan os.Signal, 1)
	signal.Notify(channel, os.Interrupt, SIGTERM)
	go func() {
		sig := <-channel
		rarhash.Close()
		log.Warn().Msgf("caught signal %v", sig)
		os.Exit(0)
	}()

	// Init
	if rarhash, err = app.New(meta, cli); err != nil {
		log.Fatal().Err(err).Msg("cannot initialize rarhash")
	}

	// Start
	if err = rarhash.Start(); err != nil {
		log.Fatal().Stack().Err(err).Send()
	}
}

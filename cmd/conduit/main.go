package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/norasector/conduit/pkg/conduit"
	"github.com/norasector/conduit/pkg/conduit/config"
	"github.com/norasector/conduit/pkg/conduit/output"
	"github.com/norasector/conduit/pkg/conduit/stats"
	"github.com/norasector/conduit/pkg/wire"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	configFile := flag.String("config", "conduit.yaml", "YAML config file")

	flag.Parse()
	if configFile == nil {
		flag.Usage()
		os.Exit(1)
	}

	configContents, err := os.ReadFile(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("error reading config file")
	}
	var opts config.Config
	if err := yaml.Unmarshal(configContents, &opts); err != nil {
		log.Fatal().Err(err).Msg("error unmarshaling yaml file")
	}

	var codec wire.Codec
	switch opts.Header {
	case "compact":
		codec = wire.CompactCodec{MaxFrameSize: opts.MaxFrameSize}
	case "varint", "":
		codec = wire.VarintCodec{MaxFrameSize: opts.MaxFrameSize}
	default:
		log.Fatal().Str("header", opts.Header).Msg("unrecognized header codec")
	}

	if opts.PlaybackLocation != "" {
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	}

	statsServer := stats.NewServer(opts.StatsServer.Port, opts.StatsServer.UpdateInterval)

	influxWriteAPI := influxdb2.NewClient(opts.InfluxDB.Host, "").WriteAPI(opts.InfluxDB.Organization, opts.InfluxDB.Bucket)

	var outputs []conduit.FrameOutput
	if len(opts.OutputDestinations) > 0 {
		outputs = append(outputs, output.NewTaggedFrameUDPOutput(opts.OutputDestinations, influxWriteAPI))
	}

	engine, err := conduit.NewEngine(conduit.Options{
		ListenAddr:       opts.ListenAddr,
		Codec:            codec,
		ScratchSize:      opts.ScratchSize,
		LowWater:         opts.LowWater,
		MaxPending:       opts.MaxPending,
		Outputs:          outputs,
		RecordLocation:   opts.RecordLocation,
		PlaybackLocation: opts.PlaybackLocation,
	}, conduit.WithInfluxDB(
		influxWriteAPI,
	),
		conduit.WithStatsServer(statsServer),
		conduit.WithLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create engine")
	}

	eg, ctx := errgroup.WithContext(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	eg.Go(func() error {

		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		return engine.Stop()
	})

	eg.Go(func() error {
		return engine.Start(ctx)
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("exited program")
	}
}

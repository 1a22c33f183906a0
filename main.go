package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/mit-ll/dlep/engine"
	"github.com/mit-ll/dlep/events"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	paramFile = flag.String("params", "dlep.yaml", "YAML file of configuration parameters")
	promPort  = flag.String("prom", ":9090", "Prometheus metrics export address and port")

	ctx, cancel = context.WithCancel(context.Background())
)

func makeLogger(params *paramSet) zerolog.Logger {
	var out zerolog.Logger
	if file := params.stringOr("log-file", ""); file != "" {
		out = zerolog.New(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // MB
			MaxBackups: 5,
		})
	} else {
		out = zerolog.New(zerolog.NewConsoleWriter())
	}
	level, err := zerolog.ParseLevel(params.stringOr("log-level", "info"))
	rtx.Must(err, "Bad log-level in %s", *paramFile)
	return out.Level(level).With().Timestamp().Logger()
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse flags from environment")

	params, err := loadParams(*paramFile)
	rtx.Must(err, "Could not load %s", *paramFile)

	logger := makeLogger(params)

	// Expose prometheus and pprof metrics on a separate port.
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	evs := events.NullServer()
	if sock := params.stringOr("event-socket", ""); sock != "" {
		evs = events.New(sock, logger.With().Str("component", "events").Logger())
		rtx.Must(evs.Listen(), "Could not listen on event socket %s", sock)
		go evs.Serve(ctx)
	}

	client := newDaemonClient(params, logger, evs)
	svc, err := engine.Start(client, logger)
	rtx.Must(err, "Could not start DLEP engine")
	client.bind(svc)

	// Bring up any destinations declared in the parameter file, from a
	// separate goroutine per the Client callback rules.
	go client.declareConfiguredDestinations()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	<-sigC
	logger.Info().Msg("shutting down")
	svc.Terminate()
	cancel()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/osdi23p228/e2e/pkg/infra"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	exitSetupFailure    = 1
	exitPipelineFailure = 8
)

var (
	fullCmd string
)

var (
	app        = kingpin.New("e2e", "Deploy, invoke and query a chaincode against a Hyperledger Fabric network")
	run        = app.Command("run", "Run the end to end scenario").Default()
	version    = app.Command("version", "Show version information")
	configFile = run.Flag("config", "Path of config file").Short('c').String()
	overrides  = run.Flag("set", "Override a config key, e.g. --set channel=foo").StringMap()
)

func setLogLevel(logger *log.Logger) {
	logger.SetLevel(log.InfoLevel)
	if value, ok := os.LookupEnv("E2E_LOGLEVEL"); ok {
		if level, err := log.ParseLevel(value); err == nil {
			logger.SetLevel(level)
		}
	}
}

func getLogger() *log.Logger {
	logger := log.New()
	setLogLevel(logger)
	return logger
}

// exitCode tells failures of a phase apart from failures to get started
func exitCode(err error) int {
	if pe, ok := infra.AsPipelineError(err); ok && pe.Phase != infra.PhaseSetup {
		return exitPipelineFailure
	}
	return exitSetupFailure
}

func runE2E(logger *log.Logger) error {
	config, err := infra.LoadConfig(*configFile, *overrides)
	if err != nil {
		return errors.WithMessage(err, "fail to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := infra.Process(ctx, config, logger)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", result.Payload)
	return nil
}

func main() {
	var err error
	logger := getLogger()

	fullCmd = kingpin.MustParse(app.Parse(os.Args[1:]))
	switch fullCmd {
	case run.FullCommand():
		err = runE2E(logger)
	case version.FullCommand():
		fmt.Print(infra.GetVersionInfo())
	default:
		err = errors.Errorf("Invalid command: %s", fullCmd)
	}

	if err != nil {
		logger.Errorln(err)
		os.Exit(exitCode(err))
	}
	os.Exit(0)
}

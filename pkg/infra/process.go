package infra

import (
	"context"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// Process sets up the session and connections described by c, runs the
// pipeline once and writes the event log and report when configured.
// c.Timeout bounds set-up and run together. Errors that happen before the
// first proposal is sent are returned as they are, except running out of
// time, which is a PipelineTimeout of the setup phase; errors of the run
// itself are *PipelineError.
func Process(ctx context.Context, c *Config, logger *log.Logger) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	if c.Metrics.ListenAddress != "" {
		stop := serveMetrics(c.Metrics.ListenAddress, registry, logger)
		defer stop()
	}

	session, err := OpenSession(ctx, c, logger)
	if err != nil {
		return nil, setupError(ctx, errors.WithMessage(err, "fail to open session"))
	}
	identity, err := session.CurrentIdentity()
	if err != nil {
		return nil, err
	}
	logger.Infof("Running as %s of %s", identity.SignCert.Subject.CommonName, identity.MSPID)

	conns, err := Connect(ctx, NewRegistryFromConfig(c), logger)
	if err != nil {
		return nil, setupError(ctx, err)
	}
	defer conns.Close()

	observer, err := NewObserver(ctx, conns.Deliverer, conns.DelivererAddr, c.Channel, identity, logger)
	if err != nil {
		return nil, setupError(ctx, err)
	}
	observer.StartAsync()
	defer observer.Close()

	timeKeepers := NewTimeKeepers()
	pipeline := NewPipeline(c, PipelineDeps{
		Endorsers:   conns.Endorsers,
		Identity:    identity,
		Orderers:    conns.Orderers,
		Observer:    observer,
		Logger:      logger,
		Metrics:     metrics,
		TimeKeepers: timeKeepers,
	})

	result, runErr := pipeline.Run(ctx)
	if runErr != nil {
		logger.Errorf("Pipeline failed: %v", runErr)
	} else {
		logger.Infof("Completed end to end run")
	}

	if c.LogPath != "" {
		if err := WriteLogToFile(c.LogPath, timeKeepers.Events()); err != nil {
			logger.Errorf("Failed to write log file: %v", err)
		}
	}
	if c.ReportPath != "" {
		report := NewReport(c, pipeline.States(), timeKeepers, result, runErr)
		if err := report.WriteToFile(c.ReportPath); err != nil {
			logger.Errorf("Failed to write report file: %v", err)
		}
	}

	return result, runErr
}

// setupError marks err as a timeout when ctx ran out during set-up
func setupError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return wrapPipelineError(err, PhaseSetup, PipelineTimeout, "set-up did not complete")
	}
	return err
}

func serveMetrics(address string, registry *prometheus.Registry, logger *log.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: address, Handler: mux}

	go func() {
		logger.Infof("Serving metrics on %s", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server stopped: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

// WriteLogToFile writes one event per line:
//
//	Proposed: timestamp phase txid number-of-peers
//	Response: timestamp phase txid peer-address [SUCCESS/FAILURE]
//	Endorsed: timestamp phase txid
//	Broadcast: timestamp phase txid orderer-address
//	Observed: timestamp phase txid validation-code
func WriteLogToFile(path string, events []string) error {
	var b strings.Builder
	for _, e := range events {
		b.WriteString(e)
		b.WriteString("\n")
	}
	return errors.Wrapf(ioutil.WriteFile(path, []byte(b.String()), 0644), "fail to write log file %s", path)
}

type PhaseReport struct {
	Phase              string `yaml:"phase"`
	Txid               string `yaml:"txid"`
	EndorseLatency     string `yaml:"endorseLatency"`
	OrderCommitLatency string `yaml:"orderCommitLatency,omitempty"`
	TotalLatency       string `yaml:"totalLatency"`
	Block              uint64 `yaml:"block,omitempty"`
}

type ErrorReport struct {
	Phase  string `yaml:"phase"`
	Reason string `yaml:"reason"`
	Detail string `yaml:"detail"`
}

// Report summarizes one run
type Report struct {
	Channel     string        `yaml:"channel"`
	States      []string      `yaml:"states"`
	ChaincodeID string        `yaml:"chaincodeId,omitempty"`
	Phases      []PhaseReport `yaml:"phases"`
	Payload     string        `yaml:"payload,omitempty"`
	Error       *ErrorReport  `yaml:"error,omitempty"`
}

func NewReport(c *Config, states []State, tks *TimeKeepers, result *Result, runErr error) *Report {
	r := &Report{Channel: c.Channel}
	for _, s := range states {
		r.States = append(r.States, s.String())
	}

	blocks := map[Phase]uint64{}
	if result != nil {
		r.ChaincodeID = result.ChaincodeID.String()
		r.Payload = string(result.Payload)
		blocks[PhaseDeploy] = result.Deploy.BlockNumber
		blocks[PhaseInvoke] = result.Invoke.BlockNumber
	}

	for _, phase := range []Phase{PhaseDeploy, PhaseInvoke, PhaseQuery} {
		tk, ok := tks.Get(phase)
		if !ok {
			continue
		}
		pr := PhaseReport{
			Phase:          phase.String(),
			Txid:           tk.Txid,
			EndorseLatency: tk.EndorseLatency().String(),
			TotalLatency:   tk.TotalLatency().String(),
			Block:          blocks[phase],
		}
		if tk.ObservedTime != 0 {
			pr.OrderCommitLatency = tk.OrderCommitLatency().String()
		}
		r.Phases = append(r.Phases, pr)
	}

	if runErr != nil {
		r.Error = &ErrorReport{Detail: runErr.Error()}
		if pe, ok := AsPipelineError(runErr); ok {
			r.Error.Phase = pe.Phase.String()
			r.Error.Reason = pe.Reason.String()
		}
	}
	return r
}

func (r *Report) WriteToFile(path string) error {
	raw, err := yaml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "fail to encode report")
	}
	return errors.Wrapf(ioutil.WriteFile(path, raw, 0644), "fail to write report file %s", path)
}

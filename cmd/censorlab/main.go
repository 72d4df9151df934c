package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	rotates "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/censorlab/censorlab/pkg/api"
	"github.com/censorlab/censorlab/pkg/censorlang"
	"github.com/censorlab/censorlab/pkg/config"
	"github.com/censorlab/censorlab/pkg/flow"
	"github.com/censorlab/censorlab/pkg/model"
	"github.com/censorlab/censorlab/pkg/pipeline"
	"github.com/censorlab/censorlab/pkg/policy"
	"github.com/censorlab/censorlab/pkg/processor"
	"github.com/censorlab/censorlab/pkg/script"
	"github.com/censorlab/censorlab/pkg/sink"
	"github.com/censorlab/censorlab/pkg/source"
)

// Exit codes: 0 success, 1 configuration error, 2 runtime fatal, 130
// signal shutdown.
const (
	exitOK       = 0
	exitConfig   = 1
	exitRuntime  = 2
	exitSignaled = 130
)

func InitLogger(cfg *config.Config) error {
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
	logrus.SetFormatter(formatter)

	var level logrus.Level
	switch cfg.Log.Level {
	case "DEBUG":
		level = logrus.DebugLevel
	case "INFO":
		level = logrus.InfoLevel
	case "WARN":
		level = logrus.WarnLevel
	case "ERROR":
		level = logrus.ErrorLevel
	case "FATAL":
		level = logrus.FatalLevel
	case "PANIC":
		level = logrus.PanicLevel
	default:
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Log.Dir == "" || cfg.Log.Filename == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Log.Dir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.Log.Dir, 0755); err != nil {
			return err
		}
	}
	logFileName := path.Join(cfg.Log.Dir, cfg.Log.Filename)

	opts := []rotates.Option{
		rotates.WithMaxAge(24 * time.Hour),
		rotates.WithRotationTime(time.Hour),
	}
	if runtime.GOOS != "windows" {
		opts = append(opts, rotates.WithLinkName(logFileName))
	}
	logWriter, err := rotates.New(logFileName+".%Y%m%d%H%M", opts...)
	if err != nil {
		return err
	}

	lfHook := lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: logWriter,
		logrus.InfoLevel:  logWriter,
		logrus.WarnLevel:  logWriter,
		logrus.ErrorLevel: logWriter,
		logrus.FatalLevel: logWriter,
		logrus.PanicLevel: logWriter,
	}, &logrus.TextFormatter{})
	logrus.AddHook(lfHook)
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: censorlab -c <config.toml> [-p <program>] <subcommand>

subcommands:
  nfq [client-ip]          in-line enforcement from the netfilter queue
  tap <iface|pcap> <client-ip>
                           passive tap on an interface or capture file
`)
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("c", "censorlab.toml", "path to the configuration file")
	programPath := flag.String("p", "", "censor program overriding [execution] script")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		return exitConfig
	}
	subcommand := args[0]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfig
	}
	if *programPath != "" {
		cfg.Execution.Script = *programPath
	}

	if err := InitLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfig
	}
	logrus.Info("Starting censorlab...")

	models, err := model.Load(cfg.Models)
	if err != nil {
		logrus.Errorf("Failed to load models: %v", err)
		return exitConfig
	}
	defer models.Close()

	factory, err := buildFactory(cfg, models)
	if err != nil {
		logrus.Errorf("Failed to load censor program: %v", err)
		return exitConfig
	}

	var (
		rules   []*policy.Rule
		ruleSet *policy.RuleSet
	)
	if cfg.Rules.Dir != "" {
		if rules, err = policy.LoadRules(cfg.Rules.Dir); err != nil {
			logrus.Errorf("Failed to load rules: %v", err)
			return exitConfig
		}
		if ruleSet, err = policy.NewRuleSet(rules); err != nil {
			logrus.Errorf("Failed to compile rules: %v", err)
			return exitConfig
		}
	}

	engine, err := policy.NewEngine(cfg, ruleSet)
	if err != nil {
		logrus.Errorf("Failed to build policy engine: %v", err)
		return exitConfig
	}

	var decisions *sink.DecisionLog
	if cfg.Log.Decisions != "" {
		decisionPath := cfg.Log.Decisions
		if cfg.Log.Dir != "" {
			decisionPath = path.Join(cfg.Log.Dir, decisionPath)
		}
		if decisions, err = sink.NewDecisionLog(decisionPath); err != nil {
			logrus.Errorf("Failed to open decision log: %v", err)
			return exitConfig
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		src       pipeline.Source
		snk       pipeline.Sink
		oracle    *flow.Oracle
		linkLayer bool
		fileDone  <-chan struct{}
	)
	switch subcommand {
	case "nfq":
		if err := cfg.ValidateForSink(true); err != nil {
			logrus.Errorf("Invalid config for queue sink: %v", err)
			return exitConfig
		}
		if len(args) > 1 {
			if oracle, err = buildOracle(args[1]); err != nil {
				logrus.Errorf("Invalid client IP: %v", err)
				return exitConfig
			}
		}
		queue, err := sink.NewQueue(cfg, decisions)
		if err != nil {
			logrus.Errorf("Failed to open netfilter queue backend: %v", err)
			return exitRuntime
		}
		src, snk = queue, queue
		linkLayer = false
	case "tap":
		if len(args) < 3 {
			usage()
			return exitConfig
		}
		if err := cfg.ValidateForSink(false); err != nil {
			logrus.Errorf("Invalid config for tap sink: %v", err)
			return exitConfig
		}
		if err := policy.ValidateRulesForSink(rules, false); err != nil {
			logrus.Errorf("Invalid rules for tap sink: %v", err)
			return exitConfig
		}
		if oracle, err = buildOracle(args[2]); err != nil {
			logrus.Errorf("Invalid client IP: %v", err)
			return exitConfig
		}
		target := args[1]
		linkLayer = true
		if _, statErr := os.Stat(target); statErr == nil {
			fileSource, err := source.NewPcapFileSource(target, cfg.Pipeline.BufferSize)
			if err != nil {
				logrus.Errorf("Failed to open capture file: %v", err)
				return exitRuntime
			}
			src = fileSource
			fileDone = fileSource.WaitForCompletion()
			snk = sink.NewTap(cfg, nil, decisions)
		} else {
			liveSource, err := source.NewPcapSource(target, source.PcapOptions{
				BufferSize: cfg.Pipeline.BufferSize,
			})
			if err != nil {
				logrus.Errorf("Failed to open interface: %v", err)
				return exitRuntime
			}
			injector, err := sink.NewLinkInjector(target)
			if err != nil {
				logrus.Errorf("Failed to open injection socket: %v", err)
				return exitRuntime
			}
			src = liveSource
			snk = sink.NewTap(cfg, injector, decisions)
		}
	default:
		usage()
		return exitConfig
	}

	flowStage := processor.NewFlowStage(engine, oracle, factory, processor.FlowStageOptions{
		Shards:       cfg.Flows.Shards,
		BufferSize:   cfg.Pipeline.BufferSize,
		IdleTTL:      cfg.Flows.IdleTTL.Std(),
		ErrorDefault: cfg.Execution.ScriptErrorDefault,
		MaxErrors:    cfg.Execution.MaxScriptErrors,
	})

	p := pipeline.NewPipeline()
	if err := p.SetConfig(cfg); err != nil {
		logrus.Errorf("Failed to set pipeline config: %v", err)
		return exitRuntime
	}
	p.SetSource(src)
	if err := p.AddProcessor(processor.NewParserStage(linkLayer, cfg.Pipeline.BufferSize)); err != nil {
		logrus.Errorf("Failed to add parser stage: %v", err)
		return exitRuntime
	}
	if err := p.AddProcessor(flowStage); err != nil {
		logrus.Errorf("Failed to add flow stage: %v", err)
		return exitRuntime
	}
	p.SetSink(snk)

	if err := p.Start(ctx); err != nil {
		logrus.Errorf("Failed to start pipeline: %v", err)
		return exitRuntime
	}
	logrus.Info("Pipeline started successfully")

	var apiServer *api.Server
	if cfg.API.Listen != "" {
		apiServer = api.NewServer(cfg.API.Listen, p, flowStage, cancel)
		go func() {
			if err := apiServer.Start(); err != nil {
				logrus.Debugf("API server stopped: %v", err)
			}
		}()
		logrus.Infof("Control API listening on %s", cfg.API.Listen)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case sig := <-sigChan:
		logrus.Infof("Received signal %v, shutting down...", sig)
		exitCode = exitSignaled
	case <-fileDoneOrNever(fileDone):
		logrus.Info("Capture replay complete")
	case <-ctx.Done():
		logrus.Info("Shutdown requested")
	}

	cancel()
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logrus.Warnf("Error stopping API server: %v", err)
		}
		shutdownCancel()
	}
	if err := p.Stop(); err != nil {
		logrus.Errorf("Error stopping pipeline: %v", err)
		if exitCode == exitOK {
			exitCode = exitRuntime
		}
	}
	logrus.Info("Shutdown complete")
	return exitCode
}

// fileDoneOrNever lets the select treat the no-file case as a channel
// that never fires.
func fileDoneOrNever(done <-chan struct{}) <-chan struct{} {
	if done != nil {
		return done
	}
	return make(chan struct{})
}

// buildFactory selects the execution engine for new flows. With no
// program configured, flows run without an interpreter and every
// packet passes.
func buildFactory(cfg *config.Config, models *model.Store) (flow.Factory, error) {
	if cfg.Execution.Script == "" {
		return nil, nil
	}
	switch cfg.Execution.Mode {
	case config.ModeCensorLang:
		return censorlang.LoadFactory(cfg.Execution.Script, cfg.Execution.CensorLang, models)
	default:
		return script.NewEngine(cfg.Execution.Script, models)
	}
}

func buildOracle(clientIP string) (*flow.Oracle, error) {
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return nil, fmt.Errorf("invalid client IP %q: %w", clientIP, err)
	}
	return flow.NewOracle([]netip.Addr{addr}), nil
}

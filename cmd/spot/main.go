package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/4thel00z/spotcheck/internal"
	"github.com/charmbracelet/fang"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// version is set via ldflags at build time
var version = "dev"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp()
	defer a.sync()

	rootCmd := NewRootCmd(version, a)
	if err := fang.Execute(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}

type app struct {
	resolver  *internal.ScopeResolver
	loaderFor func(*zap.Logger) internal.LoaderFactory
	cacheDir  string

	logger    *zap.Logger
	labelSvc  *internal.LabelService
	detectSvc *internal.DetectService
	modelSvc  *internal.ModelService
}

func newApp() *app {
	return &app{
		resolver:  internal.NewScopeResolver(),
		loaderFor: internal.RemoteLoaderFactory,
		logger:    zap.NewNop(),
	}
}

// setup runs once flags are parsed, since the log level comes from them.
func (a *app) setup(level string, development bool) error {
	logger, err := internal.NewLogger(level, development)
	if err != nil {
		return err
	}
	a.logger = logger
	a.labelSvc = internal.NewLabelService(a.resolver)
	a.detectSvc = internal.NewDetectService(a.resolver, a.loaderFor(logger), logger)
	a.modelSvc = internal.NewModelService(a.resolver, a.cacheDir)
	return nil
}

func (a *app) sync() {
	_ = a.logger.Sync()
}

// Command flotilla runs the multi-agent orchestration server and ships
// client commands for talking to one.
//
// Usage:
//
//	flotilla serve --config flotilla.yaml
//	flotilla serve --config /flotilla/config --config-type consul --endpoints localhost:8500
//	flotilla validate --config flotilla.yaml
//	flotilla schema > flotilla.schema.json
//	flotilla chat --server http://localhost:8080
//	flotilla call "summarize the fleet status" --stream
//	flotilla nodes
//	flotilla node run --id worker-1 --capabilities chat
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/flotilla-ai/flotilla/pkg/config"
	"github.com/flotilla-ai/flotilla/pkg/config/provider"
	"github.com/flotilla-ai/flotilla/pkg/logger"
	"github.com/flotilla-ai/flotilla/pkg/runtime"
	"github.com/flotilla-ai/flotilla/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the orchestration server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the configuration JSON Schema."`
	Chat     ChatCmd     `cmd:"" help:"Interactive chat against a running server."`
	Call     CallCmd     `cmd:"" help:"Send a single prompt and print the response."`
	Nodes    NodesCmd    `cmd:"" help:"List registered fleet nodes."`
	Node     NodeCmd     `cmd:"" help:"Run a worker node attached to a server."`

	Config     string   `short:"c" help:"Config location: file path or remote key." type:"path"`
	ConfigType string   `name:"config-type" help:"Config source (file, consul, etcd, zookeeper)." default:"file"`
	Endpoints  []string `help:"Endpoints for remote config sources."`
	LogLevel   string   `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile    string   `help:"Log file path (empty = stderr)."`
	LogFormat  string   `help:"Log format (simple, verbose, json)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("flotilla version %s\n", version)
	return nil
}

// ServeCmd starts the orchestration server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch the config source and hot-apply changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// The runtime does not exist yet when the loader is built, so reloads
	// go through a late-bound reference.
	var rt *runtime.Runtime
	cfg, loader, err := loadConfig(ctx, cli, config.WithOnChange(func(next *config.Config) {
		if rt != nil {
			rt.ApplyConfig(next)
		}
	}))
	if err != nil {
		return err
	}
	defer loader.Close()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rt, err = runtime.New(ctx, cfg, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	rt.Start()

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch stopped", "error", err)
			}
		}()
	}

	srv, err := server.New(cfg.Server, rt, logger.GetLogger())
	if err != nil {
		_ = rt.Shutdown(context.Background())
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}
	cancel()

	shutdownCtx := context.Background()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("http shutdown incomplete", "error", serr)
	}
	if rerr := rt.Shutdown(shutdownCtx); rerr != nil {
		slog.Warn("runtime shutdown incomplete", "error", rerr)
	}
	return err
}

// ValidateCmd loads and validates a configuration file.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()
	_, loader, err := loadConfig(ctx, cli)
	if err != nil {
		return err
	}
	defer loader.Close()
	fmt.Printf("config %s is valid\n", cli.Config)
	return nil
}

// SchemaCmd prints the configuration JSON Schema.
type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	data, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func loadConfig(ctx context.Context, cli *CLI, opts ...config.LoaderOption) (*config.Config, *config.Loader, error) {
	if cli.Config == "" {
		return nil, nil, fmt.Errorf("--config is required")
	}

	ptype, err := provider.ParseType(cli.ConfigType)
	if err != nil {
		return nil, nil, err
	}
	p, err := provider.New(provider.Options{
		Type:      ptype,
		Path:      cli.Config,
		Endpoints: cli.Endpoints,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open config source: %w", err)
	}

	loader := config.NewLoader(p, opts...)
	cfg, err := loader.Load(ctx)
	if err != nil {
		loader.Close()
		return nil, nil, err
	}
	slog.Info("configuration loaded", "source", string(ptype), "path", cli.Config)
	return cfg, loader, nil
}

func initLogger(cli *CLI) (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFn, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFn
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("flotilla"),
		kong.Description("Flotilla - multi-agent orchestration runtime"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

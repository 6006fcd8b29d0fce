// Package cli provides the main command-line interface and HTTP/WS
// server for the evaluation service. It orchestrates the complete
// application lifecycle: configuration loading, graph/evaluator
// construction, plugin wiring, HTTP server startup, and graceful
// shutdown.
//
// Architecture Overview:
//
//	CLI → Configuration → Evaluator/Graph/Plugins → HTTP/WS Server
//
// The server is designed for containerized deployment with 12-factor
// app principles, supporting configuration via environment variables,
// command-line flags, and an optional YAML config file.
package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildgraph.evalgo.org/config"
	"buildgraph.evalgo.org/coordinator"
	"buildgraph.evalgo.org/core/evaluator"
	"buildgraph.evalgo.org/core/graph"
	"buildgraph.evalgo.org/core/invalidate"
	"buildgraph.evalgo.org/core/keyvalue"
	"buildgraph.evalgo.org/core/registry"
	"buildgraph.evalgo.org/core/version"
	"buildgraph.evalgo.org/internal/auditlog"
	"buildgraph.evalgo.org/internal/telemetry"
	"buildgraph.evalgo.org/plugins/filestate"
)

// cfgFile holds the path to the configuration file specified via
// command-line flag, the same cfgFile/--config pattern as the
// teacher's cli.root.go.
var cfgFile string

// RootCmd is the evaluation service's entry point.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (BUILDGRAPH_* prefix)
//  3. Configuration file values
//  4. Default values
var RootCmd = &cobra.Command{
	Use:   "buildgraphd",
	Short: "an incremental build-graph evaluation service",
	Long: `buildgraphd

Exposes an incremental, keyed dependency-graph evaluator over HTTP and
WebSocket:
- POST /v1/evaluate  — run an Evaluate invocation over top-level keys
- POST /v1/inject     — inject externally-observed value changes
- GET  /v1/snapshot   — dump a walkable snapshot of the current graph
- GET  /v1/events     — live diagnostic event stream (WebSocket)
- GET  /v1/coordination — accept a watcher process's change-batch stream

Configuration can be provided via command-line flags, environment
variables, or a YAML configuration file with automatic precedence
handling.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.buildgraphd.yaml)")
	RootCmd.PersistentFlags().String("port", "", "HTTP server port")
	RootCmd.PersistentFlags().String("file-state-root", "", "workspace root FILE_STATE paths are resolved against")
	RootCmd.PersistentFlags().String("jwt-secret", "", "shared JWT signing secret")
	RootCmd.PersistentFlags().String("postgres-dsn-host", "", "audit log PostgreSQL host")
	RootCmd.PersistentFlags().String("redis-url", "", "diagnostic event sink Redis URL")

	viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("file_state_root", RootCmd.PersistentFlags().Lookup("file-state-root"))
	viper.BindPFlag("jwt_secret", RootCmd.PersistentFlags().Lookup("jwt-secret"))
	viper.BindPFlag("postgres_host", RootCmd.PersistentFlags().Lookup("postgres-dsn-host"))
	viper.BindPFlag("redis_url", RootCmd.PersistentFlags().Lookup("redis-url"))
}

// initConfig discovers and loads an optional YAML configuration file,
// the same search order as the teacher's cli.initConfig.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".buildgraphd")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("using config file:", viper.ConfigFileUsed())
	}
}

const envPrefix = "BUILDGRAPH"

// runServer builds the evaluation engine and every ambient component
// around it, then starts the HTTP/WS server with graceful shutdown —
// the same startup/shutdown shape as the teacher's cli.runServer,
// rescoped from RabbitMQ/CouchDB/JWT flow-process wiring to
// graph/evaluator/plugin wiring.
func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.NewConfigLoader(envPrefix).LoadAll()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if port := viper.GetString("port"); port != "" {
		fmt.Sscanf(port, "%d", &cfg.Server.Port)
	}
	if root := viper.GetString("file_state_root"); root != "" {
		cfg.FileState.Root = root
	}
	if secret := viper.GetString("jwt_secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if host := viper.GetString("postgres_host"); host != "" {
		cfg.Postgres.Host = host
	}
	if url := viper.GetString("redis_url"); url != "" {
		cfg.Redis.URL = url
	}

	logger := telemetry.NewLogger("buildgraphd")
	telemetry.NewMetrics("") // registers every collector with the default Prometheus registry; GET /metrics serves them

	g := graph.New()
	reg := registry.New()
	versions := version.NewCounter()
	inv := invalidate.New(g, versions, nil)
	ev := evaluator.New(g, reg, versions, int64(cfg.Evaluator.MaxConcurrentNodes), logger)
	defer ev.Close()

	const fileStateKind keyvalue.Kind = "FILE_STATE"
	filestate.RegisterFileStateComputeFunction(reg, fileStateKind, cfg.FileState.Root)

	var recorder auditlog.Recorder
	if rec, err := auditlog.Open(cfg.Postgres.DSN()); err != nil {
		logger.WithError(err).Warn("audit log unavailable, invocations will not be recorded")
	} else {
		recorder = rec
	}

	var sink *telemetry.EventSink
	if s, err := telemetry.NewEventSink(cfg.Redis.URL, cfg.Redis.Channel); err != nil {
		logger.WithError(err).Warn("diagnostic event sink unavailable")
	} else {
		sink = s
		defer sink.Close()
	}

	acceptor := coordinator.NewAcceptor(inv, fileStateKind, logger)
	if sink != nil {
		bridgeCtx, cancelBridge := context.WithCancel(context.Background())
		defer cancelBridge()
		go func() {
			if err := acceptor.BridgeDiagnostics(bridgeCtx, sink); err != nil {
				logger.WithError(err).Warn("diagnostic bridge stopped")
			}
		}()
	}

	tokens := NewTokenService(cfg.Auth.JWTSecret)
	server := NewServer(g, ev, inv, acceptor, recorder, sink, tokens, cfg.Auth.JWTExpiry, cfg.Server.RateLimit, logger)

	e := server.Echo()

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.WithField("addr", addr).Info("server starting")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("graceful shutdown failed")
	}
}

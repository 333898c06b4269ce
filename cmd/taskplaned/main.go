// Command taskplaned runs the task control plane: the WebSocket gateway,
// task store, control graph, and model adapters that together mediate a
// remote client's natural-language tasks into tool calls on that
// client's own machine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haas-oss/taskplane/internal/channelreg"
	"github.com/haas-oss/taskplane/internal/config"
	"github.com/haas-oss/taskplane/internal/correlator"
	"github.com/haas-oss/taskplane/internal/dispatcher"
	"github.com/haas-oss/taskplane/internal/filecache"
	"github.com/haas-oss/taskplane/internal/graph"
	"github.com/haas-oss/taskplane/internal/metrics"
	"github.com/haas-oss/taskplane/internal/modeladapter"
	"github.com/haas-oss/taskplane/internal/protocol"
	"github.com/haas-oss/taskplane/internal/store"
	"github.com/haas-oss/taskplane/internal/syntaxcheck"
)

var (
	version   = "dev"
	configPath string
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "taskplaned",
		Short:   "taskplaned runs the task control plane",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults built in when omitted)")
	root.AddCommand(buildServeCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the control plane HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	m := metrics.New()

	st := store.New()
	corr := correlator.New(m)
	channels := channelreg.New(logger, m)

	var checker *syntaxcheck.Checker
	if cfg.SyntaxCheck.Binary != "" {
		c, err := syntaxcheck.New(syntaxcheck.Config{
			Binary:  cfg.SyntaxCheck.Binary,
			Args:    cfg.SyntaxCheck.Args,
			Timeout: cfg.SyntaxCheck.Timeout,
		})
		if err != nil {
			return fmt.Errorf("syntax checker config: %w", err)
		}
		checker = c
	}
	cache := filecache.New(checker)

	reg := dispatcher.NewRegistry(
		dispatcher.ToolDef{Name: "read-cache", Class: dispatcher.ClassLocal, Handler: cache.ReadCache},
		dispatcher.ToolDef{Name: "write-cache", Class: dispatcher.ClassLocal, Handler: cache.WriteCache},
		dispatcher.ToolDef{Name: "patch-cache", Class: dispatcher.ClassLocal, Handler: cache.PatchCache},
		dispatcher.ToolDef{Name: "diff-cache", Class: dispatcher.ClassLocal, Handler: cache.DiffCache},
		dispatcher.ToolDef{Name: "syntax-check-cache", Class: dispatcher.ClassLocal, Handler: cache.SyntaxCheckCache},
		dispatcher.ToolDef{Name: "flush-cache", Class: dispatcher.ClassCacheFlush},
		dispatcher.ToolDef{Name: "ask-user", Class: dispatcher.ClassAskUser},
		dispatcher.ToolDef{Name: "read-file", Class: dispatcher.ClassRemote},
		dispatcher.ToolDef{Name: "write-file", Class: dispatcher.ClassRemote},
		dispatcher.ToolDef{Name: "list-dir", Class: dispatcher.ClassRemote},
		dispatcher.ToolDef{Name: "tree", Class: dispatcher.ClassRemote},
		dispatcher.ToolDef{Name: "delete", Class: dispatcher.ClassRemote},
		dispatcher.ToolDef{Name: "run-program", Class: dispatcher.ClassRemote},
		dispatcher.ToolDef{Name: "shell-exec", Class: dispatcher.ClassRemote},
		dispatcher.ToolDef{Name: "write-and-run", Class: dispatcher.ClassRemote},
	)

	disp := dispatcher.New(reg, channels, corr, st, cfg.Task.DuplicateCallWindow, cfg.Task.DuplicateCallThreshold, logger, m)

	plannerChat := modeladapter.NewOpenAIChat(cfg.Planner.BaseURL, cfg.Planner.APIKey, cfg.Planner.Model, cfg.Planner.Temperature, cfg.Planner.MaxTokens)
	executorChat := modeladapter.NewOpenAIChat(cfg.Executor.BaseURL, cfg.Executor.APIKey, cfg.Executor.Model, cfg.Executor.Temperature, cfg.Executor.MaxTokens)
	planner := modeladapter.NewPlanner(plannerChat, logger, m)
	executor := modeladapter.NewExecutor(executorChat, cfg.Task.HistoryTurnBudget, logger, m)

	g := graph.New(st, channels, corr, disp, planner, executor, cfg.Task, logger, m)

	protoSrv := protocol.New(protocol.Config{
		Channels:  channels,
		Store:     st,
		Graph:     g,
		Correlator: corr,
		Logger:    logger,
		QueueSize: cfg.Gateway.OutboundQueueSize,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{client_id}", protoSrv.ServeHTTP)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

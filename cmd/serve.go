package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claudego/server/agent"
	"github.com/claudego/server/agentfactory"
	"github.com/claudego/server/api"
	"github.com/claudego/server/config"
	"github.com/claudego/server/content"
	"github.com/claudego/server/coordinator"
	"github.com/claudego/server/keystroke"
	"github.com/claudego/server/logger"
	"github.com/claudego/server/session"
	"github.com/claudego/server/startup"
	"github.com/claudego/server/watch"
	"github.com/claudego/server/ws"
)

const shutdownTimeout = 10 * time.Second

var (
	servePort           int
	serveAuthToken      string
	serveDataDir        string
	serveDevMode        bool
	serveBackend        string
	serveTranscriptsDir string
	serveLogLevel       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	Long: `Run the HTTP and WebSocket server.

Observers connect to /ws and speak JSON-RPC 2.0. The agent's PreToolUse
hook reaches /hook/permission through 'claudego hook permission'. With
--transcripts-dir set, the agent's JSONL transcripts are tailed and fed
into their sessions; in dev mode /dev/inject accepts synthetic input.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.IntVar(&servePort, "port", 0, "Server port (default 8080)")
	f.StringVar(&serveAuthToken, "auth-token", "", "Authentication token (required)")
	f.StringVar(&serveDataDir, "data-dir", "", "Data directory for session history and logs")
	f.BoolVar(&serveDevMode, "dev", false, "Enable development mode")
	f.StringVar(&serveBackend, "backend", "", "Terminal backend: tmux or log")
	f.StringVar(&serveTranscriptsDir, "transcripts-dir", "", "Directory of agent transcripts to tail")
	f.StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags overlays the flags that were set explicitly.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = servePort
	}
	if f.Changed("auth-token") {
		cfg.AuthToken = serveAuthToken
	}
	if f.Changed("data-dir") {
		cfg.DataDir = serveDataDir
	}
	if f.Changed("dev") {
		cfg.DevMode = serveDevMode
	}
	if f.Changed("backend") {
		cfg.Backend = agent.BackendType(serveBackend)
	}
	if f.Changed("transcripts-dir") {
		cfg.TranscriptsDir = serveTranscriptsDir
	}
	if f.Changed("log-level") {
		cfg.LogLevel = serveLogLevel
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Resolve(); err != nil {
		return err
	}

	level, _ := cfg.SlogLevel()
	logCloser, err := logger.Init(logger.Config{DataDir: cfg.DataDir, DevMode: cfg.DevMode, Level: level})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	srv, err := newServer(cfg)
	if err != nil {
		slog.Error("failed to start server", "error", err)
		return err
	}

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()

		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		srv.Close()
	}()

	colors := startup.ColorsEnabled(os.Stdout)
	startup.PrintBanner(os.Stdout, colors, startup.BannerOptions{
		Version:        Version,
		LocalURL:       "http://localhost:" + strconv.Itoa(cfg.Port),
		Backend:        string(cfg.Backend),
		DataDir:        cfg.DataDir,
		TranscriptsDir: cfg.TranscriptsDir,
		DevMode:        cfg.DevMode,
	})
	startup.PrintFooter(os.Stdout, colors)

	slog.Info("server starting",
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"backend", cfg.Backend,
		"transcriptsDir", cfg.TranscriptsDir,
		"devMode", cfg.DevMode)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		stop()
		<-shutdownDone
		return err
	}
	<-shutdownDone
	slog.Info("server stopped")
	return nil
}

// server holds the long-lived components behind the HTTP handler.
type server struct {
	store   *session.FileStore
	manager *coordinator.Manager
	watcher *watch.TranscriptWatcher
	handler http.Handler
}

func newServer(cfg *config.Config) (*server, error) {
	store, err := session.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("initialize session store: %w", err)
	}

	term, err := agentfactory.New(cfg.Backend)
	if err != nil {
		store.Close()
		return nil, err
	}

	translator, err := keystroke.New(term, keystroke.Options{
		Keys:         cfg.Keys,
		Sentinels:    cfg.Sentinels,
		PollInterval: cfg.PollInterval,
		PollAttempts: cfg.PollAttempts,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	manager := coordinator.NewManager(coordinator.Options{
		Terminal:     term,
		Dispatcher:   translator,
		Store:        store,
		TargetPrefix: cfg.TargetPrefix,
		ReapInterval: cfg.ReapInterval,
	})

	s := &server{store: store, manager: manager}

	if cfg.TranscriptsDir != "" {
		s.watcher = watch.NewTranscriptWatcher(cfg.TranscriptsDir, s.ingestTranscript)
		if err := s.watcher.Start(); err != nil {
			s.watcher = nil
			s.Close()
			return nil, fmt.Errorf("start transcript watcher: %w", err)
		}
	}

	// Without a tailer the agent's copy of a chat message never arrives,
	// so the server records it itself.
	echoMessages := s.watcher == nil
	wsHandler := ws.NewRPCHandler(cfg.AuthToken, Version, manager, cfg.DevMode, echoMessages)

	s.handler = api.NewRouter(api.Options{
		Manager:     manager,
		Store:       store,
		Token:       cfg.AuthToken,
		Version:     Version,
		DevMode:     cfg.DevMode,
		HookTimeout: cfg.HookTimeout,
		WebSocket:   wsHandler,
	})
	return s, nil
}

func (s *server) ingestTranscript(ctx context.Context, sessionID string, msgs []content.Message) {
	log := slog.With("sessionId", sessionID)
	sess, _, err := s.manager.Attach(ctx, sessionID)
	if err != nil {
		log.Warn("cannot attach transcript session", "error", err)
		return
	}

	var accepted int
	for _, r := range sess.Ingest(ctx, msgs) {
		if r.Accepted {
			accepted++
		} else {
			log.Debug("transcript message not ingested", "uuid", r.ID, "error", r.Error)
		}
	}
	log.Debug("transcript ingested", "messages", len(msgs), "accepted", accepted)
}

// Close stops the watcher, releases every session and unlocks the data
// directory.
func (s *server) Close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.manager.Shutdown()
	if err := s.store.Close(); err != nil {
		slog.Error("failed to release data directory", "error", err)
	}
}

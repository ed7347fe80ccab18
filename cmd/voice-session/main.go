package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/silviot/voice_session_go/pkg/stream"
	"github.com/silviot/voice_session_go/pkg/udp"
	"github.com/silviot/voice_session_go/pkg/voice"
)

const senderReportInterval = 5 * time.Second

// settings is the resolved command line and environment configuration
type settings struct {
	Port           string
	Server         string
	Token          string
	SessionID      string
	GuildID        string
	ChannelID      string
	UserID         string
	StreamServerID string
	StreamKind     bool
	ConfigPath     string
	LogLevel       string
}

// loadSettings parses flags, falling back to environment variables for
// anything not set on the command line.
func loadSettings(args []string, getenv func(string) string) (settings, error) {
	var s settings
	flags := flag.NewFlagSet("voice-session", flag.ContinueOnError)
	flags.StringVar(&s.Port, "port", "8080", "HTTP server port")
	flags.StringVar(&s.Server, "server", "", "Voice signaling server host")
	flags.StringVar(&s.Token, "token", "", "Voice signaling token")
	flags.StringVar(&s.SessionID, "session-id", "", "Voice session id")
	flags.StringVar(&s.GuildID, "guild-id", "", "Guild id")
	flags.StringVar(&s.ChannelID, "channel-id", "", "Channel id")
	flags.StringVar(&s.UserID, "user-id", "", "User id")
	flags.StringVar(&s.StreamServerID, "stream-server-id", "", "RTC server id of a go-live stream")
	flags.BoolVar(&s.StreamKind, "stream", false, "Connect as a go-live stream instead of a voice channel")
	flags.StringVar(&s.ConfigPath, "config", "", "TOML file with stream config overrides")
	flags.StringVar(&s.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	if err := flags.Parse(args); err != nil {
		return settings{}, err
	}

	// Load from environment if flags not set
	if s.Port == "8080" {
		if p := getenv("PORT"); p != "" {
			s.Port = p
		}
	}
	if s.LogLevel == "info" {
		if ll := getenv("LOG_LEVEL"); ll != "" {
			s.LogLevel = ll
		}
	}
	fromEnv := map[*string]string{
		&s.Server:         "VOICE_SERVER",
		&s.Token:          "VOICE_TOKEN",
		&s.SessionID:      "VOICE_SESSION_ID",
		&s.GuildID:        "VOICE_GUILD_ID",
		&s.ChannelID:      "VOICE_CHANNEL_ID",
		&s.UserID:         "VOICE_USER_ID",
		&s.StreamServerID: "VOICE_STREAM_SERVER_ID",
		&s.ConfigPath:     "VOICE_CONFIG",
	}
	for dst, key := range fromEnv {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	if !s.StreamKind && s.StreamServerID != "" {
		s.StreamKind = true
	}

	var missing []string
	for _, req := range []struct{ val, env string }{
		{s.Server, "VOICE_SERVER"},
		{s.Token, "VOICE_TOKEN"},
		{s.SessionID, "VOICE_SESSION_ID"},
		{s.GuildID, "VOICE_GUILD_ID"},
		{s.UserID, "VOICE_USER_ID"},
	} {
		if req.val == "" {
			missing = append(missing, req.env)
		}
	}
	if len(missing) > 0 {
		return settings{}, fmt.Errorf("missing required configuration: %v", missing)
	}
	return s, nil
}

func main() {
	// A missing .env file is fine; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: failed to load .env: %v\n", err)
		os.Exit(1)
	}

	s, err := loadSettings(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(s.LogLevel)

	overrides, err := loadOverrides(s.ConfigPath)
	if err != nil {
		logger.Error("failed to load stream config", "path", s.ConfigPath, "error", err)
		os.Exit(1)
	}

	logger.Info("starting voice session",
		"port", s.Port,
		"server", s.Server,
		"guild_id", s.GuildID,
		"channel_id", s.ChannelID,
		"stream", s.StreamKind)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	baseCfg, err := stream.Merge(stream.Defaults(), overrides)
	if err != nil {
		logger.Error("invalid stream config", "error", err)
		os.Exit(1)
	}
	transport, err := udp.NewTransport(udp.Config{
		VideoCodec:    baseCfg.VideoCodec,
		SenderReports: baseCfg.RTCPSenderReportEnabled,
		Logger:        logger.With("component", "udp"),
	})
	if err != nil {
		logger.Error("failed to create media transport", "error", err)
		os.Exit(1)
	}

	var kind voice.Identifier = voice.VoiceKind{GuildID: s.GuildID}
	if s.StreamKind {
		kind = voice.NewStreamKind(s.StreamServerID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reportsOnce sync.Once

	conn, err := voice.NewConnection(voice.Config{
		GuildID:   s.GuildID,
		ChannelID: s.ChannelID,
		UserID:    s.UserID,
		Kind:      kind,
		Stream:    overrides,
		Transport: transport,
		OnReady: func(voice.Transport) {
			logger.Info("media transport ready")
			reportsOnce.Do(func() {
				go transport.RunSenderReports(ctx, senderReportInterval)
			})
		},
		Metrics: voice.NewMetrics(reg),
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create voice connection", "error", err)
		os.Exit(1)
	}

	go logEvents(logger, conn.Events())

	if err := conn.SetSession(s.SessionID); err != nil {
		logger.Error("failed to set session", "error", err)
	}
	if err := conn.SetTokens(s.Server, s.Token); err != nil {
		logger.Error("failed to set tokens", "error", err)
	}

	server := &http.Server{
		Addr:    ":" + s.Port,
		Handler: newMux(conn, reg, logger),
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			break
		}
		reloadConfig(conn, s.ConfigPath, logger)
	}

	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	cancel()
	if err := conn.Stop(); err != nil {
		logger.Error("failed to stop voice connection", "error", err)
	}

	logger.Info("voice session stopped")
}

func loadOverrides(path string) (stream.Overrides, error) {
	if path == "" {
		return stream.Overrides{}, nil
	}
	return stream.LoadOverrides(path)
}

// reloadConfig applies the config file again on SIGHUP.
func reloadConfig(conn *voice.Connection, path string, logger *slog.Logger) {
	if path == "" {
		logger.Warn("SIGHUP received but no config file is set")
		return
	}
	o, err := stream.LoadOverrides(path)
	if err != nil {
		logger.Error("failed to reload stream config", "path", path, "error", err)
		return
	}
	cfg, err := conn.UpdateConfig(o)
	if err != nil {
		logger.Error("rejected stream config", "path", path, "error", err)
		return
	}
	logger.Info("stream config reloaded",
		"codec", cfg.VideoCodec,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
		"max_bitrate_kbps", cfg.MaxBitrateKbps)
}

func logEvents(logger *slog.Logger, events <-chan voice.Event) {
	for ev := range events {
		switch ev.Type {
		case voice.EventStateChanged:
			logger.Debug("voice state changed", "from", ev.From, "to", ev.To)
		case voice.EventError:
			logger.Warn("voice connection error", "error", ev.Err)
		case voice.EventDisconnected:
			logger.Warn("voice connection disconnected", "code", ev.Code, "error", ev.Err)
		default:
			logger.Info("voice connection event", "type", ev.Type.String())
		}
	}
}

func newMux(conn *voice.Connection, reg *prometheus.Registry, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := conn.Status()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"state":       conn.State(),
			"has_session": status.HasSession,
			"has_token":   status.HasToken,
			"started":     status.Started,
			"resuming":    status.Resuming,
			"ready":       conn.Transport().Ready(),
			"timestamp":   time.Now().Unix(),
		})
	})

	mux.HandleFunc("GET /api/v1/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(conn.Config())
	})

	mux.HandleFunc("POST /api/v1/video", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := conn.SetVideoStatus(req.Enabled); err != nil {
			logger.Warn("failed to set video status", "error", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/v1/speaking", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Speaking bool `json:"speaking"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := conn.SetSpeaking(req.Speaking); err != nil {
			logger.Warn("failed to set speaking", "error", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// Metrics endpoint
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return mux
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

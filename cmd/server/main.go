package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/youkpan/gemini-assistant/internal/config"
	"github.com/youkpan/gemini-assistant/internal/dispatch"
	"github.com/youkpan/gemini-assistant/internal/gemini"
	"github.com/youkpan/gemini-assistant/internal/metrics"
	"github.com/youkpan/gemini-assistant/internal/observe"
	"github.com/youkpan/gemini-assistant/internal/server"
	"github.com/youkpan/gemini-assistant/internal/speech"
	"github.com/youkpan/gemini-assistant/internal/stream"
	"github.com/youkpan/gemini-assistant/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "gemini-assistant"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// A missing .env is fine; the key can come from the real environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("address", cfg.Server.Address),
		slog.Int("max_sessions", cfg.Server.MaxSessions),
		slog.Bool("auto_mode", cfg.Audio.AutoMode),
		slog.Float64("energy_threshold", cfg.VAD.EnergyThreshold),
		slog.Int("hangover_ms", cfg.VAD.HangoverMs),
		slog.Int("min_utterance_ms", cfg.VAD.MinUtteranceMs),
		slog.String("model", cfg.Gemini.Model),
		slog.Bool("mqtt_enabled", cfg.MQTT.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: serviceVersion,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("Error shutting down tracer provider", slog.String("error", err.Error()))
			}
		}()
		logger.Info("Tracing initialized")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)
	logger.Info("Prometheus metrics initialized")

	client, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:          cfg.Gemini.APIKey,
		Model:           cfg.Gemini.Model,
		MaxRetries:      cfg.Dispatch.MaxRetries,
		RetryBackoff:    cfg.Dispatch.GetRetryBackoffDuration(),
		MaxConcurrent:   cfg.Gemini.MaxConcurrent,
		MaxOutputTokens: int32(cfg.Gemini.MaxOutputTokens),
		Prompt:          cfg.Gemini.Prompt,
		Frames: gemini.FramePolicy{
			OneShotLimit: cfg.Frames.OneShotLimit,
			SampleFrom:   cfg.Frames.SampleFrom,
			SamplePoints: cfg.Frames.SamplePoints,
			EdgesAbove:   cfg.Frames.EdgesAbove,
		},
		RefreshEvery: cfg.Gemini.RefreshEvery,
		ResetEvery:   cfg.Gemini.ResetEvery,
	}, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create gemini client: %w", err)
	}
	defer client.Close()

	var speaker *speech.MQTTSpeaker
	if cfg.MQTT.Enabled {
		mqttCfg := speech.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			Topic:          cfg.MQTT.Topic,
			QoS:            byte(cfg.MQTT.QoS),
			Retained:       cfg.MQTT.Retained,
			PublishTimeout: cfg.MQTT.GetPublishTimeoutDuration(),
		}
		mqttClient := speech.DialMQTT(mqttCfg, logger)
		defer mqttClient.Disconnect(250)

		speaker, err = speech.NewMQTTSpeaker(mqttClient, mqttCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create mqtt speaker: %w", err)
		}
	}

	managerConfig := stream.ManagerConfig{
		Session: stream.SessionConfig{
			VAD: vad.Config{
				EnergyThreshold: cfg.VAD.EnergyThreshold,
				DebounceFrames:  cfg.VAD.DebounceFrames,
				Hangover:        cfg.VAD.GetHangoverDuration(),
				MinUtterance:    cfg.VAD.GetMinUtteranceDuration(),
			},
			Dispatch: dispatch.Config{
				MinPayloadChars: cfg.Dispatch.MinPayloadChars,
				Timeout:         cfg.Dispatch.GetTimeoutDuration(),
				FallbackMessage: cfg.Dispatch.FallbackMessage,
				PendingMessage:  cfg.Dispatch.PendingMessage,
				RequireVisual:   !cfg.Dispatch.AllowAudioOnly,
			},
			MaxBuffer:    cfg.Audio.GetMaxBufferDuration(),
			FrameLimit:   cfg.Frames.WindowLimit,
			RetainFrames: cfg.Frames.RetainFrames,
			AutoMode:     cfg.Audio.AutoMode,
		},
		Timeout:      cfg.Server.GetSessionTimeoutDuration(),
		NewRequester: func() dispatch.Requester { return client.NewAssistant() },
	}
	if speaker != nil {
		managerConfig.Speaker = func(sessionID string) speech.Synthesizer {
			return speaker.ForSession(sessionID)
		}
	}

	streamMgr, err := stream.NewManager(logger, appMetrics, managerConfig)
	if err != nil {
		return fmt.Errorf("failed to create stream manager: %w", err)
	}
	logger.Info("Stream manager initialized",
		slog.Duration("session_timeout", managerConfig.Timeout),
	)

	wsServer := server.NewWSServer(server.WSConfig{
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		WriteTimeout:    cfg.Server.GetWriteTimeoutDuration(),
		PingInterval:    cfg.Server.GetPingIntervalDuration(),
		MaxSessions:     cfg.Server.MaxSessions,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, logger, streamMgr, appMetrics)

	opts := []server.HTTPOption{server.WithGeminiClient(client)}
	if speaker != nil {
		opts = append(opts, server.WithSpeaker(speaker))
	}
	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:    cfg.Server.Port,
		Address: cfg.Server.Address,
	}, logger, cfg, streamMgr, wsServer, appMetrics, reg, opts...)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.ListenAndServe)
	g.Go(func() error { return streamMgr.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting connections first, then drop the open ones.
		err := httpServer.Stop(shutdownCtx)
		wsServer.Close()
		streamMgr.Stop()
		return err
	})

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port)),
	)

	err = g.Wait()

	wsStats := wsServer.GetStatistics()
	mgrStats := streamMgr.GetStats()
	clientStats := client.GetStats()
	logger.Info("Final server statistics",
		slog.Uint64("connections", wsStats.TotalConnections),
		slog.Uint64("audio_packets", wsStats.AudioPackets),
		slog.Uint64("parse_errors", wsStats.ParseErrors),
		slog.Uint64("sessions_created", mgrStats.Created),
		slog.Uint64("gemini_requests", clientStats.TotalRequests),
		slog.Float64("gemini_success_rate", clientStats.SuccessRate),
	)

	return err
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}

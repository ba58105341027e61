package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clusterd/agent/config"
	"github.com/clusterd/agent/internal/communicator"
	"github.com/clusterd/agent/internal/executor"
	"github.com/clusterd/agent/internal/stats"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Version = "0.1.0"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := initLogger(cfg.LogPath)
	defer logger.Sync()

	logger.Info("starting clusterd agent",
		zap.String("version", Version),
		zap.String("server", cfg.ServerURL),
		zap.String("host", cfg.HostName),
	)

	collector := stats.NewCollector("/")
	client := communicator.NewClient(communicator.ClientConfig{
		ServerURL: cfg.ServerURL,
		HostName:  cfg.HostName,
		Token:     cfg.AgentToken,
		Version:   Version,
		Logger:    logger,
	})
	processor := executor.NewProcessor(executor.ProcessorConfig{
		HostName:       cfg.HostName,
		Roles:          cfg.Roles,
		KeytabDir:      cfg.KeytabDir,
		CommandTimeout: cfg.CommandTimeout,
		MaxParallel:    cfg.MaxParallel,
		Runner:         executor.NewRunner(cfg.UseSudo),
		Keytabs:        client,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		if err := client.Register(ctx, outboundIP(cfg.ServerURL)); err == nil {
			break
		} else {
			logger.Warn("registration failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.HeartbeatInterval):
		}
	}

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	logger.Info("heartbeat loop started",
		zap.Duration("interval", cfg.HeartbeatInterval),
	)

	sendHeartbeat(ctx, logger, collector, client, processor)

	for {
		select {
		case <-ticker.C:
			sendHeartbeat(ctx, logger, collector, client, processor)

		case <-ctx.Done():
			logger.Info("received shutdown signal, waiting for running commands",
				zap.Int("running", processor.Running()),
			)
			processor.Wait()
			logger.Info("agent stopped gracefully")
			return
		}
	}
}

func sendHeartbeat(ctx context.Context, logger *zap.Logger, collector *stats.Collector, client *communicator.Client, processor *executor.Processor) {
	systemStats := collector.Collect(ctx)
	reports := processor.Drain()

	resp, err := client.Heartbeat(ctx, reports, systemStats.Map())
	if err != nil {
		// keep the reports for the next tick
		processor.Requeue(reports)
		logger.Warn("heartbeat failed", zap.Error(err), zap.Int("pending_reports", len(reports)))
		return
	}

	for _, c := range resp.Cancels {
		processor.Cancel(c.TaskID, c.Reason)
	}
	if len(resp.Commands) > 0 {
		logger.Info("received commands from server",
			zap.Int("count", len(resp.Commands)),
		)
	}
	for _, cmd := range resp.Commands {
		processor.Submit(cmd)
	}
}

// outboundIP returns the local address used to reach the server.
func outboundIP(serverURL string) string {
	host := serverURL
	if u, err := parseHostPort(serverURL); err == nil {
		host = u
	}
	conn, err := net.DialTimeout("udp", host, time.Second)
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

func initLogger(logPath string) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapcore.InfoLevel,
	)

	cores := []zapcore.Core{consoleCore}

	if logPath != "" {
		if file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				zapcore.InfoLevel,
			)
			cores = append(cores, fileCore)
		}
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

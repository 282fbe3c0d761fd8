package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"tcluster/internal/config"
	"tcluster/internal/logger"
	"tcluster/internal/worker"
)

func main() {
	// --- 1. 定义命令行参数 ---
	configPath := flag.String("config", os.Getenv("TC_CONFIG"), "path to a JSON config file")
	port := flag.Int("port", 0, "worker HTTP port")
	discoveryPort := flag.Int("discovery-port", 0, "UDP discovery port")
	workDir := flag.String("work-dir", "", "directory for per-task working directories")
	runner := flag.String("runner", "", "encode runner: exec or docker")
	ffmpegPath := flag.String("ffmpeg", "", "ffmpeg binary for the exec runner")
	image := flag.String("image", "", "container image for the docker runner")
	peers := flag.String("peers", "", "comma separated unicast heartbeat targets")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	logFormat := flag.String("log-format", "", "console or json")
	logFile := flag.String("log-file", "", "also write logs to this file")
	flag.Parse()

	// --- 2. 加载配置: 文件 < 环境变量 < 命令行 ---
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.WorkerPort = *port
		case "discovery-port":
			cfg.DiscoveryPort = *discoveryPort
		case "work-dir":
			cfg.WorkDir = *workDir
		case "runner":
			cfg.Runner = *runner
		case "ffmpeg":
			cfg.FFmpegPath = *ffmpegPath
		case "image":
			cfg.DockerImage = *image
		case "peers":
			cfg.Peers = strings.Split(*peers, ",")
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-file":
			cfg.LogFile = *logFile
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	// --- 3. 初始化日志 ---
	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- 4. 初始化 Worker Agent (探测 ffmpeg 能力) ---
	agent, err := worker.NewAgent(ctx, cfg, log.Named("worker"))
	if err != nil {
		log.Fatal("start worker", zap.Error(err))
	}
	caps := agent.Capabilities()
	log.Info("capabilities detected",
		zap.String("hostname", caps.Hostname),
		zap.String("ffmpeg", caps.FFmpegVersion),
		zap.Int("encoders", len(caps.Encoders)),
		zap.Bool("hwaccel", caps.HardwareAccelerated()))

	// --- 5. 启动 Agent, 收到信号后优雅退出 ---
	if err := agent.Run(ctx); err != nil {
		log.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
}

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
	"tcluster/internal/coordinator"
	"tcluster/internal/logger"
)

func main() {
	// --- 1. 定义命令行参数 ---
	configPath := flag.String("config", os.Getenv("TC_CONFIG"), "path to a JSON config file")
	controlPort := flag.Int("port", 0, "control API port")
	discoveryPort := flag.Int("discovery-port", 0, "UDP discovery port")
	workerPort := flag.Int("worker-port", 0, "default worker HTTP port")
	storeKind := flag.String("store", "", "task store: memory, etcd or redis")
	peers := flag.String("peers", "", "comma separated unicast discovery targets")
	maxRetries := flag.Int("retries", -1, "retries per task")
	scan := flag.Duration("scan", 0, "sweep the local /24 for workers at this interval, 0 disables")
	scanFrom := flag.String("scan-from", "", "address whose /24 is swept instead of the local one")
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
			cfg.ControlPort = *controlPort
		case "discovery-port":
			cfg.DiscoveryPort = *discoveryPort
		case "worker-port":
			cfg.WorkerPort = *workerPort
		case "store":
			cfg.Store = *storeKind
		case "peers":
			cfg.Peers = strings.Split(*peers, ",")
		case "retries":
			cfg.MaxRetries = *maxRetries
		case "scan":
			cfg.ScanInterval = config.Duration(*scan)
		case "scan-from":
			cfg.ScanFrom = *scanFrom
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

	// --- 4. 打开存储, 恢复未完成的任务, 组装各组件 ---
	c, err := coordinator.New(ctx, cfg, log.Named("coordinator"))
	if err != nil {
		log.Fatal("start coordinator", zap.Error(err))
	}
	// --- 5. 运行直到收到信号 (优雅退出) ---
	if err := c.Run(ctx); err != nil {
		log.Error("coordinator exited", zap.Error(err))
		os.Exit(1)
	}
}

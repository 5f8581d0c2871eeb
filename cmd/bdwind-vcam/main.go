package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/open-beagle/bdwind-vcam/internal/config"
	"github.com/open-beagle/bdwind-vcam/internal/gstreamer"
	"github.com/open-beagle/bdwind-vcam/internal/webserver"
)

const (
	AppName    = "BDWind-VCam"
	AppVersion = "1.0.0"
)

func main() {
	// 解析命令行参数
	var (
		configFile = flag.String("config", "", "Configuration file path (watched for changes)")
		port       = flag.Int("port", 0, "Control API port")
		host       = flag.String("host", "", "Control API host")
		videoPath  = flag.String("video", "", "Video clip to start on launch")
		audioPath  = flag.String("audio", "", "Audio clip to start on launch")
		loop       = flag.Bool("loop", true, "Loop the launch clips")
		logLevel   = flag.String("log-level", "", "Log level (TRACE, DEBUG, INFO, WARN, ERROR)")
		logOutput  = flag.String("log-output", "", "Log output (stdout, stderr, file)")
		logFile    = flag.String("log-file", "", "Log file path (when log-output is file)")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nEnvironment overrides:\n%s\n", config.EnvUsage())
	}
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s (%s %s/%s)\n", AppName, AppVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Println("Virtual webcam and microphone media router")
		return
	}
	webserver.Version = AppVersion

	// 默认值 → 配置文件 → 环境变量
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 命令行参数优先级最高
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["port"] {
		cfg.WebServer.Port = *port
	}
	if set["host"] {
		cfg.WebServer.Host = *host
	}
	if set["video"] {
		cfg.Engine.InitialVideo = *videoPath
	}
	if set["audio"] {
		cfg.Engine.InitialAudio = *audioPath
	}
	if set["loop"] {
		cfg.Engine.Loop = *loop
	}

	// 日志配置覆盖
	if *logLevel != "" {
		if level, err := config.ParseLogLevel(*logLevel); err == nil {
			cfg.Logging.Level = level
		} else {
			log.Printf("Invalid log level '%s': %v", *logLevel, err)
		}
	}
	if *logOutput != "" {
		cfg.Logging.Output = *logOutput
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
		if *logOutput == "" {
			cfg.Logging.Output = "file"
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := config.SetupLogger(cfg.Logging); err != nil {
		log.Fatalf("Failed to setup logger: %v", err)
	}
	logger := config.GetLoggerWithPrefix("app")

	gstreamer.Init()
	defer gstreamer.Shutdown()

	app, err := NewBDWindApp(cfg, *configFile, logger)
	if err != nil {
		logger.Fatalf("Failed to create application: %v", err)
	}
	if err := app.Start(); err != nil {
		logger.Fatalf("Application failed to start: %v", err)
	}
	if !app.IsHealthy() {
		logger.Warn("Some components are not running")
	}

	fmt.Printf("\n%s v%s started\n", AppName, AppVersion)
	fmt.Printf("Control API: %s\n", app.webserverMgr.GetAddress())
	if cfg.Metrics.External.Enabled {
		fmt.Printf("Metrics:     http://%s%s\n", cfg.Metrics.Addr(), cfg.Metrics.External.Path)
	}
	fmt.Printf("Video sinks: %v\n", cfg.Sinks.Video.Backends)
	fmt.Printf("Audio sinks: %v\n", cfg.Sinks.Audio.Backends)
	fmt.Println("\nPress Ctrl+C to stop")

	<-app.Done()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Lifecycle.ShutdownTimeout)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		logger.Errorf("Application shutdown error: %v", err)
		os.Exit(1)
	}
}

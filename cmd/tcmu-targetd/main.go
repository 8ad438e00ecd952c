// Command tcmu-targetd runs the userspace SCSI target runtime: it joins the
// TCM-USER netlink family, attaches any devices already present, and serves
// every subsequently added device with the file-backed handler until
// interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tcmutarget "github.com/behrlich/go-tcmu-target"
	"github.com/behrlich/go-tcmu-target/backend/file"
	"github.com/behrlich/go-tcmu-target/internal/logging"
)

func main() {
	var (
		devDir         = flag.String("dev-dir", "/dev", "device node directory")
		sysfsRoot      = flag.String("sysfs-root", "/sys/class/uio", "uio class sysfs root")
		serverName     = flag.String("server-name", "targetd", "the <srv> component of tcm-user+<srv>/ cfgstrings this daemon claims")
		workersPerDev  = flag.Int("workers-per-device", 2, "worker goroutines per attached device")
		workerQueueLen = flag.Int("worker-queue-len", 32, "per-worker command queue depth")
		verbose        = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := tcmutarget.Config{
		DevDir:         *devDir,
		SysfsRoot:      *sysfsRoot,
		ServerName:     *serverName,
		WorkersPerDev:  *workersPerDev,
		WorkerQueueLen: *workerQueueLen,
		Logger:         logger,
	}
	if err := tcmutarget.RegisterHandler(&cfg, file.New()); err != nil {
		logger.Error("failed to register handler", "error", err)
		os.Exit(1)
	}

	rt, err := tcmutarget.NewRuntime(cfg)
	if err != nil {
		logger.Error("failed to start runtime", "error", err)
		os.Exit(1)
	}

	fmt.Printf("tcmu-targetd serving tcm-user+%s/ under %s\n", *serverName, *devDir)
	fmt.Printf("Press Ctrl+C to stop...\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
		<-runErr
	case err := <-runErr:
		if err != nil {
			logger.Error("runtime exited", "error", err)
		}
	}

	if err := rt.Close(); err != nil {
		logger.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ehrlich-b/go-uring"
	"github.com/ehrlich-b/go-uring/internal/logging"
)

func main() {
	cfg, err := loadEnv(defaultConfig())
	if err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}

	var (
		engineName = flag.String("engine", cfg.Engine, "Engine to use (auto, kernel, emulated)")
		blockStr   = flag.String("block", formatFlagSize(cfg.Block), "Copy block size (e.g., 64K, 1M)")
		depth      = flag.Int("depth", cfg.Depth, "Number of blocks in flight")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <src> <dst>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	block, err := parseSize(*blockStr)
	if err != nil {
		log.Fatalf("Invalid block size '%s': %v", *blockStr, err)
	}
	cfg.Engine = *engineName
	cfg.Block = block
	cfg.Depth = *depth
	cfg.Verbose = *verbose
	if err := cfg.validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logConfig.Level = level
	} else {
		log.Printf("Unknown log level %q, using info", cfg.LogLevel)
	}
	if cfg.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	err = run(cfg, flag.Arg(0), flag.Arg(1))
	switch {
	case errors.Is(err, context.Canceled):
		logger.Warn("copy interrupted")
		logger.Close()
		os.Exit(130)
	case err != nil:
		logger.Error("copy failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func run(cfg config, srcPath, dstPath string) error {
	logger := logging.Default()

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer dst.Close()

	eng, name, err := openEngine(cfg)
	if err != nil {
		return err
	}
	c := uring.New(eng, nil)
	defer c.Close()

	logger.Info("copying",
		"src", srcPath,
		"dst", dstPath,
		"size", formatSize(info.Size()),
		"engine", name,
		"block", formatSize(cfg.Block),
		"depth", cfg.Depth)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	cp := newCopier(c, int(src.Fd()), int(dst.Fd()), info.Size(), int(cfg.Block), cfg.Depth)
	copied, err := cp.run(ctx)
	elapsed := time.Since(start)

	fmt.Println(summary(c.Metrics().Snapshot(), copied, elapsed))
	if err != nil {
		return err
	}
	return dst.Sync()
}

// openEngine creates the configured engine. "auto" prefers the kernel ring
// and falls back to the emulated engine.
func openEngine(cfg config) (uring.Engine, string, error) {
	params := uring.DefaultEngineParams()
	params.Entries = uint32(2 * cfg.Depth)
	params.CQEntries = 0

	switch cfg.Engine {
	case "kernel":
		eng, err := uring.NewKernelEngine(params)
		return eng, "kernel", err
	case "emulated":
		eng, err := uring.NewEmulatedEngine(params)
		return eng, "emulated", err
	}

	eng, err := uring.NewKernelEngine(params)
	if err == nil {
		return eng, "kernel", nil
	}
	logging.Default().Warn("kernel ring unavailable, using emulated engine", "error", err)
	eng, err = uring.NewEmulatedEngine(params)
	return eng, "emulated", err
}

// formatFlagSize renders a byte count in the form parseSize accepts.
func formatFlagSize(n int64) string {
	switch {
	case n%(1<<30) == 0 && n > 0:
		return fmt.Sprintf("%dG", n>>30)
	case n%(1<<20) == 0 && n > 0:
		return fmt.Sprintf("%dM", n>>20)
	case n%(1<<10) == 0 && n > 0:
		return fmt.Sprintf("%dK", n>>10)
	}
	return fmt.Sprintf("%d", n)
}

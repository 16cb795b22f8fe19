package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ehrlich-b/go-uring/internal/constants"
)

// config holds the copy settings. Flags override the environment, which
// overrides the defaults.
type config struct {
	Engine   string
	Block    int64
	Depth    int
	LogLevel string
	Verbose  bool
}

func defaultConfig() config {
	return config{
		Engine:   "auto",
		Block:    constants.DefaultBlockSize,
		Depth:    32,
		LogLevel: "info",
	}
}

// loadEnv reads URING_* variables, after loading a .env file if present.
func loadEnv(cfg config) (config, error) {
	_ = godotenv.Load()

	if v := os.Getenv("URING_ENGINE"); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv("URING_BLOCK"); v != "" {
		n, err := parseSize(v)
		if err != nil {
			return cfg, fmt.Errorf("URING_BLOCK: %w", err)
		}
		cfg.Block = n
	}
	if v := os.Getenv("URING_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("URING_DEPTH: %w", err)
		}
		cfg.Depth = n
	}
	if v := os.Getenv("URING_LOG"); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.Engine {
	case "auto", "kernel", "emulated":
	default:
		return fmt.Errorf("unknown engine %q (auto, kernel, emulated)", c.Engine)
	}
	if c.Block <= 0 || c.Block > 1<<30 {
		return fmt.Errorf("block size %d out of range", c.Block)
	}
	if c.Depth <= 0 || c.Depth > constants.MaxEntries/2 {
		return fmt.Errorf("depth %d out of range", c.Depth)
	}
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}

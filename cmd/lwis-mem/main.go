// Command lwis-mem runs a standalone LWIS runtime mediating a single
// memory-backed MMIO device: a demo harness for exercising the
// register_io, transaction, and periodic-I/O paths without any real
// hardware behind them.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/lwisd/lwis"
	"github.com/lwisd/lwis/backend"
	"github.com/lwisd/lwis/internal/ioentry"
	"github.com/lwisd/lwis/internal/logging"
)

func main() {
	var (
		sizeStr      = flag.String("size", "4K", "Size of the memory-backed register region (e.g., 4K, 1M)")
		verbose      = flag.Bool("v", false, "Verbose output")
		pollInterval = flag.Duration("poll-interval", 0, "If nonzero, submit a periodic register poll at this interval")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	fd, err := unix.MemfdCreate("lwis-mem", 0)
	if err != nil {
		logger.Error("memfd_create failed", "error", err)
		os.Exit(1)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, size); err != nil {
		logger.Error("ftruncate failed", "error", err)
		os.Exit(1)
	}

	regs, err := backend.NewMMIORegisters(fd, 0, int(size))
	if err != nil {
		logger.Error("failed to map register region", "error", err)
		os.Exit(1)
	}
	defer regs.Close()

	rt := lwis.NewRuntime()
	defer rt.Shutdown()

	dev, err := rt.CreateDevice(lwis.DeviceParams{
		ID:           lwis.AutoAssignDeviceID,
		Name:         "lwis-mem0",
		Type:         lwis.DeviceMMIO,
		RegIO:        regs,
		PreferredCPU: -1,
	})
	if err != nil {
		logger.Error("failed to register device", "error", err)
		os.Exit(1)
	}

	client, err := rt.CreateClient(dev.ID)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := client.EnableDevice(); err != nil {
		logger.Error("failed to enable device", "error", err)
		os.Exit(1)
	}

	logger.Info("device registered", "id", dev.ID, "size", formatSize(size))
	fmt.Printf("LWIS memory device %d ready (%s)\n", dev.ID, formatSize(size))

	var periodicID uint64
	if *pollInterval > 0 {
		periodicID = client.SubmitPeriodic(*pollInterval, []ioentry.Entry{lwis.ReadEntry(0, 4)})
		logger.Info("periodic poll started", "interval", pollInterval.String(), "job_id", periodicID)
	}

	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	if periodicID != 0 {
		client.CancelPeriodic(periodicID)
	}
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)
	multiplier := int64(1)
	numStr := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}

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

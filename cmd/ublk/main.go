// Command ublk serves virtual block devices from userspace backends.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/goublk/ublk"
	"github.com/goublk/ublk/backend"
)

var (
	flagSize    string
	flagQueues  int
	flagDepth   int
	flagBlock   int
	flagAffine  bool
	flagVerbose bool

	logger *log.Logger
)

// charmAdapter exposes a charm logger through the library's Logger
// interface.
type charmAdapter struct{ l *log.Logger }

func (a charmAdapter) Printf(format string, args ...interface{}) { a.l.Infof(format, args...) }
func (a charmAdapter) Debugf(format string, args ...interface{}) { a.l.Debugf(format, args...) }

func main() {
	root := &cobra.Command{
		Use:          "ublk",
		Short:        "serve virtual block devices from userspace",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			opts := log.Options{ReportTimestamp: true}
			logger = log.NewWithOptions(os.Stderr, opts)
			if flagVerbose {
				logger.SetLevel(log.DebugLevel)
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flagSize, "size", "64M", "device size (e.g. 256M, 1G)")
	pf.IntVar(&flagQueues, "queues", 1, "number of hardware queues")
	pf.IntVar(&flagDepth, "depth", ublk.DefaultQueueDepth, "queue depth (power of two)")
	pf.IntVar(&flagBlock, "block-size", ublk.DefaultLogicalBlockSize, "logical block size")
	pf.BoolVar(&flagAffine, "pin-cpus", false, "pin queue threads to CPUs round-robin")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		&cobra.Command{
			Use:   "mem",
			Short: "serve a RAM-backed disk",
			RunE: func(cmd *cobra.Command, args []string) error {
				size, err := parseSize(flagSize)
				if err != nil {
					return err
				}
				b := backend.NewMemory(size)
				defer b.Close()
				return serve(b)
			},
		},
		&cobra.Command{
			Use:   "null",
			Short: "serve a null device (reads zeroes, writes vanish)",
			RunE: func(cmd *cobra.Command, args []string) error {
				size, err := parseSize(flagSize)
				if err != nil {
					return err
				}
				return serve(backend.NewNull(size))
			},
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(b ublk.Backend) error {
	params := ublk.DefaultParams(b)
	params.NumQueues = flagQueues
	params.QueueDepth = flagDepth
	params.LogicalBlockSize = flagBlock
	if flagAffine {
		for cpu := 0; cpu < flagQueues; cpu++ {
			params.CPUAffinity = append(params.CPUAffinity, cpu)
		}
	}

	logger.Info("creating device",
		"size", flagSize, "queues", flagQueues, "depth", flagDepth)

	dev, err := ublk.CreateAndServe(params, &ublk.Options{
		Logger: charmAdapter{logger},
	})
	if err != nil {
		logger.Error("device creation failed", "err", err)
		return err
	}

	logger.Info("device running", "block", dev.Path, "char", dev.CharPath)
	fmt.Printf("Serving %s (%s)\n", dev.Path, flagSize)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down", "device", dev.Path)
	if err := dev.Close(); err != nil {
		logger.Error("shutdown failed", "err", err)
		return err
	}

	snap := dev.Metrics().Snapshot()
	logger.Info("served",
		"reads", snap.ReadOps, "writes", snap.WriteOps,
		"read_bytes", snap.ReadBytes, "write_bytes", snap.WriteBytes,
		"errors", snap.TotalErrors)
	return nil
}

// parseSize accepts 4096, 64K, 256M, 1G, 2T.
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "T"):
		mult, s = 1<<40, s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, s[:len(s)-1]
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return n * mult, nil
}

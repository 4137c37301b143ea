package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/smalloc/heap"
	"github.com/vkngwrapper/smalloc/internal/stress"
	"github.com/vkngwrapper/smalloc/region"
	"golang.org/x/exp/slog"
)

var (
	iterations     int
	maxSize        int
	maxLive        int
	seed           int64
	regionKind     string
	regionSize     int
	validate       bool
	verifyPointers bool
	logLevel       string
	logFormat      string
	printStats     bool
	detailedMap    bool
)

var rootCmd = &cobra.Command{
	Use:   "smalloc-stress",
	Short: "Run a randomized allocation workload against a fresh heap",
	Long: `smalloc-stress allocates, resizes and releases blocks of random sizes, checking
the contents of every live block along the way. Each iteration allocates two
blocks, sometimes resizes or zero-allocates, and releases blocks until at most
--max-live remain.

Example:
  smalloc-stress --iterations 10000 --max-size 10000
  smalloc-stress --region arena --region-size 1048576 --max-live 128 --validate
  smalloc-stress --stats --detailed`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStress(cmd)
	},
}

func init() {
	rootCmd.Flags().IntVarP(&iterations, "iterations", "n", 10000, "Number of workload iterations")
	rootCmd.Flags().IntVar(&maxSize, "max-size", 10000, "Largest size requested by a single allocation")
	rootCmd.Flags().IntVar(&maxLive, "max-live", 0, "Allocations allowed to survive an iteration")
	rootCmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	rootCmd.Flags().StringVar(&regionKind, "region", "mapped", "Backing region: mapped or arena")
	rootCmd.Flags().IntVar(&regionSize, "region-size", 1<<30, "Bytes of address space reserved for the heap")
	rootCmd.Flags().BoolVar(&validate, "validate", false, "Validate the heap after every iteration")
	rootCmd.Flags().BoolVar(&verifyPointers, "verify-pointers", false, "Check every released pointer against the block list")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.Flags().BoolVar(&printStats, "stats", false, "Print heap statistics as JSON when the workload ends")
	rootCmd.Flags().BoolVar(&detailedMap, "detailed", false, "Include every block in the printed statistics")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, errors.Newf("unknown log level %q", logLevel)
	}

	options := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(logFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, errors.Newf("unknown log format %q", logFormat)
	}
}

func newRegion() (region.Region, func() error, error) {
	switch regionKind {
	case "mapped":
		mapped, err := region.NewMapped(regionSize)
		if err != nil {
			return nil, nil, err
		}
		return mapped, mapped.Close, nil
	case "arena":
		arena, err := region.NewArena(regionSize)
		if err != nil {
			return nil, nil, err
		}
		return arena, func() error { return nil }, nil
	default:
		return nil, nil, errors.Newf("unknown region %q", regionKind)
	}
}

func runStress(cmd *cobra.Command) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	r, closeRegion, err := newRegion()
	if err != nil {
		return err
	}
	defer func() {
		closeErr := closeRegion()
		if closeErr != nil {
			logger.Error("failed to release region", slog.Any("error", closeErr))
		}
	}()

	var flags heap.CreateFlags
	if verifyPointers {
		flags |= heap.CreateVerifyPointers
	}

	h := heap.New(logger, r, heap.CreateOptions{Flags: flags})
	runner := stress.NewRunner(logger, h)

	result, err := runner.Run(cmd.Context(), stress.Options{
		Iterations: iterations,
		MaxSize:    maxSize,
		MaxLive:    maxLive,
		Seed:       seed,
		Validate:   validate,
	})
	if err != nil {
		return errors.Wrap(err, "workload failed")
	}

	logger.Info("workload complete",
		slog.Int("Iterations", result.Iterations),
		slog.Int("Allocations", result.Allocations),
		slog.Int("ZeroAllocations", result.ZeroAllocations),
		slog.Int("Resizes", result.Resizes),
		slog.Int("Releases", result.Releases),
		slog.Int("OutOfMemory", result.OutOfMemory),
		slog.Int("BytesRequested", result.BytesRequested),
		slog.Int("PeakLive", result.PeakLive),
		slog.Int("RegionBytes", r.Size()),
		slog.String("Flags", flags.String()))

	if h.LogLiveAllocations() > 0 {
		return errors.New("workload left live allocations behind")
	}

	if printStats {
		fmt.Fprintln(cmd.OutOrStdout(), h.BuildStatsString(detailedMap))
	}

	return nil
}

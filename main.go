package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sdgen/core"
	"sdgen/history"
	"sdgen/logging"
	"sdgen/pipeline"
	"sdgen/sched"
)

var req = pipeline.Request{}

func newRootCmd(logger *logging.Logger, cfg core.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sdgen",
		Short: "Generate images with diffusion models under adaptive device policy",
		Long: "sdgen loads a diffusion model, resolves scheduler, device backend,\n" +
			"precision and memory mode for the current host, and generates images.\n" +
			"The result summary is printed to stdout as JSON between marker lines;\n" +
			"all diagnostics go to the log and stderr.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd.Context(), logger, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&req.ModelPath, "model", "m", "", "path to the model directory or checkpoint file")
	flags.StringVarP(&req.Prompt, "prompt", "p", "", "text prompt")
	flags.StringVarP(&req.OutputPath, "output", "o", "", "output image path (stem_N suffixes added for multiple images)")
	flags.StringVarP(&req.NegativePrompt, "negative-prompt", "n", "", "negative text prompt")
	flags.StringVarP(&req.Scheduler, "scheduler", "s", "euler", "scheduler name ("+strings.Join(sched.Names(), ", ")+")")
	flags.IntVar(&req.Steps, "steps", pipeline.DefaultSteps, "number of inference steps")
	flags.Float64Var(&req.Guidance, "guidance", pipeline.DefaultGuidance, "classifier-free guidance scale")
	flags.IntVar(&req.Width, "width", pipeline.DefaultSize, "image width in pixels (multiple of 8)")
	flags.IntVar(&req.Height, "height", pipeline.DefaultSize, "image height in pixels (multiple of 8)")
	flags.Int64Var(&req.Seed, "seed", -1, "random seed (unset draws a random seed)")
	flags.IntVar(&req.Count, "num-images", pipeline.DefaultCount, "number of images to generate")
	flags.StringVarP(&req.InputImage, "input-image", "i", "", "source image for image-to-image mode")
	flags.Float64Var(&req.Strength, "strength", pipeline.DefaultStrength, "image-to-image denoising strength (0,1]")
	flags.StringVar(&req.Device, "device", "auto", "device backend (auto, cpu, unified, discrete)")
	flags.StringArrayVar(&req.LoraPaths, "lora", nil, "LoRA weight file, repeatable")
	flags.Float64SliceVar(&req.LoraWts, "lora-weight", nil, "per-LoRA scale, positional with --lora")

	for _, name := range []string{"model", "prompt", "output"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newHistoryCmd(logger, cfg))
	return cmd
}

func runGenerate(ctx context.Context, logger *logging.Logger, cfg core.Config) error {
	driver := pipeline.NewDriver(logger, cfg)

	if cfg.HistoryEnabled {
		store, err := openHistory(cfg, logger)
		if err != nil {
			// History is best-effort: a broken ledger never blocks generation.
			logger.Warn("Run history unavailable", zap.Error(err))
		} else {
			defer store.Close()
			driver.Recorder = store
		}
	}

	result, err := driver.Run(ctx, req)
	if err != nil {
		return err
	}
	return result.Emit(os.Stdout)
}

func openHistory(cfg core.Config, logger *logging.Logger) (*history.Store, error) {
	if err := core.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}
	return history.Open(filepath.Join(cfg.DataDir, history.DBFileName), logger)
}

func newHistoryCmd(logger *logging.Logger, cfg core.Config) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent generation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			ok := color.New(color.FgGreen).SprintFunc()
			bad := color.New(color.FgRed).SprintFunc()
			for _, rec := range records {
				status := ok(rec.Status)
				if rec.Status != "succeeded" {
					status = bad(rec.Status)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %s/%s/%s  %s  seed=%d  %q\n",
					rec.CorrelationID, status, rec.Backend, rec.Precision, rec.MemoryMode,
					rec.Scheduler, rec.Seed, truncate(rec.Prompt, 60))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		// Use stderr since the logger isn't initialized yet and stdout is
		// reserved for the result JSON.
		fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
	}

	cfg := core.LoadConfig()

	logger, err := logging.NewLogger(cfg.DevMode, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(core.ExitCodeError)
	}
	defer logger.Sync()

	if cfg.DevMode {
		color.New(color.FgCyan).Fprintln(os.Stderr, "sdgen (dev mode): verbose console logging enabled")
	}

	// A signal cancels the run context so the recorder and log can flush.
	// The side channel remembers which signal arrived for the exit code.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	root := newRootCmd(logger, cfg)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			select {
			case sig := <-sigCh:
				logger.Warn("Run canceled by signal", zap.String("signal", sig.String()))
				logger.Sync()
				os.Exit(signalExitCode(sig))
			default:
			}
		}
		logger.Error("Run failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if emitErr := pipeline.EmitFailure(os.Stdout, err); emitErr != nil {
			logger.Error("Failed to emit failure result", zap.Error(emitErr))
		}
		logger.Sync()
		os.Exit(core.ExitCodeError)
	}
}

func signalExitCode(sig os.Signal) int {
	if sig == syscall.SIGTERM {
		return core.ExitCodeSIGTERM
	}
	return core.ExitCodeSIGINT
}

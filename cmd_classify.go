package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/cow-check/internal/aggregate"
	"github.com/example/cow-check/internal/classifier"
	"github.com/example/cow-check/internal/config"
	"github.com/example/cow-check/internal/imagesource"
	"github.com/example/cow-check/internal/logging"
	"github.com/example/cow-check/internal/predictor"
	"github.com/example/cow-check/internal/session"
	"github.com/example/cow-check/internal/usecase"
)

func init() {
	classifyCmd.Flags().Bool("single", false, "treat all images as the same cow and pool their scores")
	classifyCmd.Flags().String("predictor-url", "", "HTTP predictor endpoint (forces the http transport)")
	classifyCmd.Flags().Bool("verbose", false, "log at the configured level instead of warn")
	rootCmd.AddCommand(classifyCmd)
}

var classifyCmd = &cobra.Command{
	Use:   "classify [flags] image...",
	Short: "Classify up to ten local images",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

func runClassify(cmd *cobra.Command, args []string) error {
	single, _ := cmd.Flags().GetBool("single")
	predictorURL, _ := cmd.Flags().GetString("predictor-url")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if predictorURL != "" {
		cfg.PredictorTransport = config.TransportHTTP
		cfg.PredictorURL = predictorURL
	}
	level := "warn"
	if verbose {
		level = cfg.LogLevel
	}
	logger, err := logging.NewLogger(level, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, closePredictor, err := newPredictor(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePredictor()

	src := imagesource.NewFileSource(args, cfg.ImageFilter(), logger)
	images, err := src.Pick(ctx, cfg.MaxImages)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return usecase.ErrNoImages
	}
	if len(args) > len(images) {
		color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "using %d of %d files\n", len(images), len(args))
	}

	store := session.NewStore()
	if err := store.Load(images); err != nil {
		return err
	}
	if single {
		if err := store.SetMode(session.ModeSingleCow); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	runner := classifier.NewRunner(client, logger, classifier.WithItemHook(func(res classifier.ItemResult) {
		printItem(out, images[res.Index].Name, res, len(images))
	}))
	if _, err := runner.Run(ctx, store); err != nil {
		return err
	}

	snap := store.Snapshot()
	if snap.Mode == session.ModeSingleCow {
		printVerdict(out, aggregate.Pool(snap.Items, snap.Mode))
	}
	if store.TakeNotice() {
		color.New(color.FgYellow).Fprintln(out, usecase.NoCowNotice)
	}
	logger.Debug("classify finished", zap.Int("items", len(images)))
	return nil
}

func printItem(w io.Writer, name string, res classifier.ItemResult, total int) {
	fmt.Fprintf(w, "[%d/%d] %-24s ", res.Index+1, total, name)
	switch res.Outcome.Label {
	case predictor.LabelGood:
		color.New(color.FgGreen, color.Bold).Fprint(w, "good")
	case predictor.LabelBad:
		color.New(color.FgRed, color.Bold).Fprint(w, "bad")
	default:
		color.New(color.FgYellow).Fprint(w, "no cow detected")
	}

	item := session.Item{Label: res.Outcome.Label, Score: res.Outcome.Score}
	if c, ok := aggregate.ItemConfidence(item); ok {
		fmt.Fprintf(w, " %.1f%%", c)
	}
	if res.Err != nil {
		color.New(color.Faint).Fprintf(w, " (%v)", res.Err)
	}
	fmt.Fprintln(w)
}

func printVerdict(w io.Writer, v aggregate.Verdict) {
	fmt.Fprint(w, "pooled: ")
	switch v.State {
	case aggregate.StateReady:
		c := color.New(color.FgRed, color.Bold)
		if v.Label == predictor.LabelGood {
			c = color.New(color.FgGreen, color.Bold)
		}
		c.Fprintf(w, "%s", v.Message())
		fmt.Fprintf(w, " %.1f%% (%d scored)\n", v.Confidence, v.Scored)
	default:
		color.New(color.FgYellow).Fprintln(w, v.Message())
	}
}

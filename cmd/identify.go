package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/encoding"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
)

var identifyTolerance float64

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Match a still image against the enrolled encodings (no liveness, no attendance)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0], identifyTolerance)
	},
}

func init() {
	identifyCmd.Flags().Float64VarP(&identifyTolerance, "tolerance", "t", 0, "Match tolerance (default: configured matcher.tolerance)")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, imagePath string, tolerance float64) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to read image file", err, nil)
		return err
	}

	known, err := encoding.LoadMatchable(ctx, DB, logging.Component(Logger, "encoding"))
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to load encodings", err, nil)
		return err
	}

	cfg := Cfg.MatcherConfig()
	if tolerance > 0 {
		cfg.Tolerance = tolerance
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	// We use ID 0 for this ad-hoc worker
	w, err := worker.NewEngine(ctx, 0, Cfg.EngineConfig(), logging.Component(Logger, "engine"))
	if err != nil {
		utils.ShowError(os.Stderr, "Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	m, err := matcher.New(cfg, w, known, logging.Component(Logger, "matcher"))
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	match, err := m.MatchImage(ctx, imgData)
	switch {
	case errors.Is(err, matcher.ErrNoEncoding):
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	case errors.Is(err, matcher.ErrNoMatch):
		fmt.Println("❌ No match found in database.")
		return nil
	case errors.Is(err, worker.ErrEngineExited):
		w.Close()
		utils.ShowError(os.Stderr, "AI processing failed", err, w.Cmd)
		return err
	case err != nil:
		utils.ShowError(os.Stderr, "AI processing failed", err, nil)
		return err
	}

	name := match.IdentityID
	ident, err := DB.ResolveIdentity(ctx, match.IdentityID)
	switch {
	case err == nil:
		if ident.DisplayName != "" {
			name = ident.DisplayName
		}
		if !ident.Active {
			name += " (inactive)"
		}
	case errors.Is(err, attendance.ErrIdentityNotFound):
	default:
		return err
	}
	fmt.Printf("✅ Found Match: %s (ID: %s, distance %.3f)\n", name, match.IdentityID, match.Distance)
	return nil
}

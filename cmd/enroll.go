package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/andresmejia3/rollcall/internal/encoding"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type EnrollOptions struct {
	NumEngines int
	Policy     string
}

var enrollOpts EnrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll <dir>",
	Short: "Encode reference images and store one encoding per identity",
	Long: "Each image in <dir> is named after its identity id (1001.jpg), or each " +
		"subdirectory holds several images of the identity it is named after.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runEnroll(cmd, args[0], enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().IntVarP(&enrollOpts.NumEngines, "engines", "e", 1, "Number of parallel engine workers")
	enrollCmd.Flags().StringVarP(&enrollOpts.Policy, "policy", "p", string(encoding.PolicyAverage), "How several images of one identity combine: average or first")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, dir string, opts EnrollOptions) {
	ctx := cmd.Context()

	refs, err := encoding.Discover(dir)
	if err != nil {
		utils.Die("Failed to read reference directory", err, nil)
	}
	if len(refs) == 0 {
		utils.Die("No reference images found", fmt.Errorf("%s has no .jpg, .jpeg or .png files", dir), nil)
	}
	images := 0
	for _, ref := range refs {
		images += len(ref.Paths)
	}

	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", opts.NumEngines)
	engines, err := worker.StartPool(ctx, opts.NumEngines, Cfg.EngineConfig(), logging.Component(Logger, "engine"))
	if err != nil {
		utils.Die("Worker startup failed", err, nil)
	}
	defer worker.ClosePool(engines)

	encoders := make([]encoding.Encoder, len(engines))
	for i, e := range engines {
		encoders[i] = e
	}
	enroller, err := encoding.NewEnroller(encoders, DB, encoding.Policy(opts.Policy), logging.Component(Logger, "enroll"))
	if err != nil {
		utils.Die("Invalid enrollment options", err, nil)
	}

	bar := progressbar.NewOptions(images,
		progressbar.OptionSetDescription("🧑‍🎓 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)
	enroller.OnImage = func() { _ = bar.Add(1) }

	report, err := enroller.Enroll(ctx, refs)
	_ = bar.Finish()
	if err != nil {
		utils.ShowError(os.Stderr, "Enrollment aborted", err, nil)
		exitCode = 1
		return
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Enrollment Complete. %d of %d identities enrolled.\n", len(report.Enrolled), len(refs))
	if len(report.Failed) > 0 {
		failed := make([]string, 0, len(report.Failed))
		for id := range report.Failed {
			failed = append(failed, id)
		}
		sort.Strings(failed)
		for _, id := range failed {
			fmt.Fprintf(os.Stderr, "   ❌ %s: %v\n", id, report.Failed[id])
		}
		exitCode = 1
	}
}

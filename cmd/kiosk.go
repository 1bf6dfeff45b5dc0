package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/directory"
	"github.com/andresmejia3/rollcall/internal/encoding"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/matcher"
	"github.com/andresmejia3/rollcall/internal/metrics"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// exitNoCommit is the process status when a session ends without a commit.
const exitNoCommit = 2

// KioskOptions selects the frame source of a kiosk session.
type KioskOptions struct {
	FramesDir string
	VideoPath string
}

var kioskOpts KioskOptions

var kioskCmd = &cobra.Command{
	Use:   "kiosk",
	Short: "Run one attendance session: blink, match, mark present",
	Long: "Watches the camera (or a video file / frame directory) until a face blinks, " +
		"matches it against the enrolled encodings and marks it present for today.",
	Run: func(cmd *cobra.Command, args []string) {
		if kioskOpts.FramesDir != "" && kioskOpts.VideoPath != "" {
			utils.Die("Invalid source", errors.New("--frames and --video are mutually exclusive"), nil)
		}

		engine, err := worker.NewEngine(cmd.Context(), 0, Cfg.EngineConfig(), logging.Component(Logger, "engine"))
		if err != nil {
			utils.Die("Engine startup failed", err, nil)
		}
		defer engine.Close()

		res, err := runKiosk(cmd.Context(), engine, kioskOpts)
		if err != nil {
			var logs *utils.SafeCommand
			if errors.Is(err, worker.ErrEngineExited) {
				engine.Close()
				logs = engine.Cmd
			}
			utils.ShowError(os.Stderr, "Session failed", err, logs)
			exitCode = 1
			return
		}

		printResult(os.Stdout, res)
		if !res.Committed() {
			exitCode = exitNoCommit
		}
	},
}

func init() {
	f := kioskCmd.Flags()
	f.StringVar(&kioskOpts.FramesDir, "frames", "", "Replay JPEG stills from a directory instead of the camera")
	f.StringVar(&kioskOpts.VideoPath, "video", "", "Read frames from a video file instead of the camera")
	f.String("camera", "/dev/video0", "Capture device")
	f.String("policy", "single-shot", "Session policy: single-shot or continuous")
	f.Int("max-frames", 0, "Stop after this many frames (0 = unlimited)")
	f.Duration("max-duration", 0, "Stop after this long (0 = unlimited)")
	f.Float64("tolerance", matcher.DefaultConfig().Tolerance, "Maximum encoding distance for a match (strictly less than)")
	f.Int("blinks", 2, "Blinks required before a face is matched")
	f.String("metrics-addr", "", "Serve /metrics and /healthz on this address while the session runs")
	f.Bool("realtime", false, "Pace video input at its native frame rate")

	bindFlag("camera.device", kioskCmd, "camera")
	bindFlag("session.policy", kioskCmd, "policy")
	bindFlag("session.max_frames", kioskCmd, "max-frames")
	bindFlag("session.max_duration", kioskCmd, "max-duration")
	bindFlag("matcher.tolerance", kioskCmd, "tolerance")
	bindFlag("liveness.required_blinks", kioskCmd, "blinks")
	bindFlag("metrics_addr", kioskCmd, "metrics-addr")
	bindFlag("camera.realtime", kioskCmd, "realtime")

	rootCmd.AddCommand(kioskCmd)
}

// runKiosk wires the matcher, recorder and metrics around one engine and
// runs a session to completion.
func runKiosk(ctx context.Context, engine *worker.Engine, opts KioskOptions) (session.Result, error) {
	known, err := encoding.LoadMatchable(ctx, DB, logging.Component(Logger, "encoding"))
	if err != nil {
		return session.Result{}, err
	}
	if len(known) == 0 {
		fmt.Fprintln(os.Stderr, "⚠️  No encodings enrolled; every face will be unknown. Run 'rollcall enroll' first.")
	}

	m, err := matcher.New(Cfg.MatcherConfig(), engine, known, logging.Component(Logger, "matcher"))
	if err != nil {
		return session.Result{}, err
	}

	loc, err := Cfg.Location()
	if err != nil {
		return session.Result{}, err
	}
	rec := attendance.NewRecorder(
		directory.NewCached(DB, Cfg.Cache.TTL),
		DB,
		attendance.WithLocation(loc),
		attendance.WithGroup(Cfg.Group),
		attendance.WithLogger(logging.Component(Logger, "attendance")),
	)

	registry := prometheus.NewRegistry()
	km, err := metrics.NewKiosk(registry)
	if err != nil {
		return session.Result{}, err
	}

	policy, err := session.ParsePolicy(Cfg.Session.Policy)
	if err != nil {
		return session.Result{}, err
	}
	s, err := session.New(session.Config{
		Policy:      policy,
		MaxFrames:   Cfg.Session.MaxFrames,
		MaxDuration: Cfg.Session.MaxDuration,
		Liveness:    Cfg.LivenessConfig(),
	}, session.Deps{
		Detector: engine,
		Matcher:  m,
		Recorder: rec,
		Metrics:  km,
		Logger:   logging.Component(Logger, "session"),
		OnCommit: func(c session.Commit) {
			if policy == session.PolicyContinuous {
				printCommit(os.Stderr, c)
			}
		},
	})
	if err != nil {
		return session.Result{}, err
	}

	fmt.Fprintf(os.Stderr, "👁️  %d identities enrolled. Look at the camera and blink twice.\n", m.Len())

	g, gctx := errgroup.WithContext(ctx)
	sessionCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()

	if Cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(sessionCtx, Cfg.MetricsAddr, registry, logging.Component(Logger, "metrics"))
		})
	}

	var res session.Result
	g.Go(func() error {
		// Stop the listener once the session is over.
		defer stopMetrics()
		var err error
		res, err = s.Run(sessionCtx, opener(Cfg, opts))
		return err
	})
	err = g.Wait()
	return res, err
}

// opener picks the frame source from the flags.
func opener(cfg *config.Config, opts KioskOptions) session.Opener {
	return func(ctx context.Context) (capture.Source, error) {
		switch {
		case opts.FramesDir != "":
			return capture.OpenDir(opts.FramesDir)
		case opts.VideoPath != "":
			dc := cfg.DeviceConfig()
			dc.Device = opts.VideoPath
			dc.Format = ""
			dc.Live = false
			return capture.OpenDevice(ctx, dc)
		default:
			return capture.OpenDevice(ctx, cfg.DeviceConfig())
		}
	}
}

func printCommit(w io.Writer, c session.Commit) {
	name := c.DisplayName
	if name == "" {
		name = c.IdentityID
	}
	if c.AlreadyMarked {
		fmt.Fprintf(w, "☑️  %s (ID: %s) was already marked present on %s\n", name, c.IdentityID, c.Date)
		return
	}
	fmt.Fprintf(w, "✅ %s (ID: %s) marked present on %s (distance %.3f)\n", name, c.IdentityID, c.Date, c.Distance)
}

func printResult(w io.Writer, res session.Result) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📋 SESSION %s\n", res.SessionID.String()[:8])
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	for _, c := range res.Commits {
		printCommit(w, c)
	}
	if !res.Committed() {
		fmt.Fprintf(w, "❌ No identity committed (%s)\n", res.Reason)
	}
	fmt.Fprintf(w, "🎞️  Frames processed: %d\n", res.Frames)
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

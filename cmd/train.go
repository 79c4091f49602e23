package cmd

import (
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jumpers775/Rlbot-thesis/buffer"
	"github.com/jumpers775/Rlbot-thesis/gamesim"
	"github.com/jumpers775/Rlbot-thesis/train"
	"github.com/jumpers775/Rlbot-thesis/vecenv"
)

var (
	numEnvs        int     // Number of parallel environment slots
	render         bool    // Enable rendering of slot 0
	renderDelay    float64 // Delay between rendered frames (seconds)
	episodes       int     // Episode budget
	trainTime      string  // Time budget, e.g. 5m / 2h / 1d
	updateInterval int     // Experiences collected per policy update
	useCurriculum  bool    // Enable curriculum learning
	stagesFile     string  // yaml curriculum stages file
	rehearsalProb  float64 // Probability of rehearsing an earlier stage
	seed           int64   // Master seed for the run
	stackSize      int     // Action history length per agent
	bufferSize     int     // Rollout ring capacity
	outPath        string  // Metrics output path
)

// trainCmd runs data collection and training using parameters from CLI flags.
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run vectorized training",
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, err := parseTrainTime(trainTime)
		if err != nil {
			return err
		}
		if episodes <= 0 && duration <= 0 {
			return fmt.Errorf("either --episodes or --time must be provided")
		}

		rng := vecenv.NewPartitionedRNG(vecenv.NewTrainingKey(seed))
		stacker := vecenv.NewActionStacker(stackSize, gamesim.ActionSize)

		var curriculum *vecenv.StageCurriculum
		if useCurriculum {
			stages := vecenv.DefaultStages()
			if stagesFile != "" {
				stages, err = vecenv.LoadStages(stagesFile)
				if err != nil {
					return err
				}
			}
			curriculum, err = vecenv.NewStageCurriculum(stages, rehearsalProb,
				rng.ForSubsystem(vecenv.SubsystemCurriculum))
			if err != nil {
				return err
			}
		}

		opts := vecenv.Options{
			NumEnvs:     numEnvs,
			Factory:     gamesim.NewFactory(rng.Key()),
			Render:      render,
			Stacker:     stacker,
			RenderDelay: time.Duration(renderDelay * float64(time.Second)),
		}
		if curriculum != nil {
			opts.Curriculum = curriculum
		}
		if render {
			opts.NewRenderer = func() (vecenv.Renderer, error) {
				return gamesim.NewLogRenderer(15), nil
			}
		}

		env, err := vecenv.New(opts)
		if err != nil {
			return fmt.Errorf("create vectorized environment: %w", err)
		}
		defer env.Close()

		ring, err := buffer.NewRing(bufferSize)
		if err != nil {
			return err
		}
		policy := &train.RandomPolicy{
			ActionSize: gamesim.ActionSize,
			Rand:       rng.ForSubsystem(vecenv.SubsystemPolicy),
		}
		driverOpts := train.Options{
			Env:            env,
			Policy:         policy,
			Learner:        train.NoopLearner{},
			Ring:           ring,
			UpdateInterval: updateInterval,
			TotalEpisodes:  episodes,
			Duration:       duration,
		}
		if curriculum != nil {
			driverOpts.Curriculum = curriculum
		}
		driver, err := train.NewDriver(driverOpts)
		if err != nil {
			return err
		}

		logrus.Infof("Starting training: %d slots, seed=%d, curriculum=%v, render=%v",
			numEnvs, seed, useCurriculum, render)

		// Ctrl+C ends the run cleanly after a final flush.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}

		driver.Metrics().Print()
		if outPath != "" {
			if err := driver.Metrics().SaveResults(outPath); err != nil {
				return err
			}
			logrus.Infof("Metrics written to %s", outPath)
		}
		return nil
	},
}

// parseTrainTime converts durations like "5m", "2h", "1d" to a
// time.Duration. Empty input means no time budget.
func parseTrainTime(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid time format %q: use forms like 5m, 2h, 1d", s)
	}
	value, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time format %q: use forms like 5m, 2h, 1d", s)
	}
	switch s[len(s)-1] {
	case 'm':
		return time.Duration(value * float64(time.Minute)), nil
	case 'h':
		return time.Duration(value * float64(time.Hour)), nil
	case 'd':
		return time.Duration(value * 24 * float64(time.Hour)), nil
	}
	return 0, fmt.Errorf("unknown time unit in %q: use m, h, or d", s)
}

func init() {
	trainCmd.Flags().IntVarP(&numEnvs, "num-envs", "n", 30,
		"Number of parallel environments")
	trainCmd.Flags().BoolVar(&render, "render", false,
		"Render slot 0 (forces pool mode)")
	trainCmd.Flags().Float64Var(&renderDelay, "render-delay", 0.025,
		"Delay between rendered frames in seconds")
	trainCmd.Flags().IntVarP(&episodes, "episodes", "e", 5000,
		"Number of episodes to run")
	trainCmd.Flags().StringVarP(&trainTime, "time", "t", "",
		"Training duration such as 5m, 2h, or 1d (overrides --episodes)")
	trainCmd.Flags().IntVar(&updateInterval, "update-interval", 3072,
		"Experiences to collect before each policy update")
	trainCmd.Flags().BoolVar(&useCurriculum, "curriculum", true,
		"Enable curriculum learning")
	trainCmd.Flags().StringVar(&stagesFile, "curriculum-config", "",
		"yaml file defining curriculum stages")
	trainCmd.Flags().Float64Var(&rehearsalProb, "rehearsal-prob", 0.2,
		"Probability a slot rehearses an earlier stage")
	trainCmd.Flags().Int64Var(&seed, "seed", 42,
		"Master seed for reproducible runs")
	trainCmd.Flags().IntVar(&stackSize, "stack-size", 5,
		"Number of past actions stacked into each observation")
	trainCmd.Flags().IntVar(&bufferSize, "buffer-size", 1<<16,
		"Rollout buffer capacity in transitions")
	trainCmd.Flags().StringVarP(&outPath, "out", "o", "",
		"Write run metrics JSON to this path")
	rootCmd.AddCommand(trainCmd)
}

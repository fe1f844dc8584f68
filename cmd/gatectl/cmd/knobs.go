package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"MKK-Gate/pkg/throttle"
)

var (
	knobsRPS    float64
	knobsBurst  float64
	knobsWindow time.Duration
	knobsTTL    time.Duration
)

var knobsCmd = &cobra.Command{
	Use:   "knobs",
	Short: "Read and write per-throttle knob overrides",
}

var knobsGetCmd = &cobra.Command{
	Use:   "get [name]",
	Short: "Show the stored knobs for a throttle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		eng, err := newThrottle()
		if err != nil {
			return err
		}
		info, err := eng.Peek(ctx, args[0])
		if err != nil {
			return err
		}
		if info.Knobs == nil {
			fmt.Printf("%s: no knobs set, callers use their own defaults\n", args[0])
			return nil
		}
		fmt.Printf("%s: rps=%g burst=%g window=%s\n",
			args[0], info.Knobs.RPS, info.Knobs.Burst, info.Knobs.Window)
		return nil
	},
}

var knobsSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Create or update the knobs for a throttle",
	Long: `Create or update the knobs for a throttle.

Setting all three values creates or replaces the record. Setting a subset
updates an existing record and fails if none exists yet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		var u throttle.KnobsUpdate
		if cmd.Flags().Changed("rps") {
			u.RPS = &knobsRPS
		}
		if cmd.Flags().Changed("burst") {
			u.Burst = &knobsBurst
		}
		if cmd.Flags().Changed("window") {
			u.Window = &knobsWindow
		}

		var extra []throttle.Option
		if cmd.Flags().Changed("ttl") {
			extra = append(extra, throttle.WithKnobsTTL(knobsTTL))
		}
		eng, err := newThrottle(extra...)
		if err != nil {
			return err
		}
		if err := eng.SetKnobs(ctx, args[0], u); err != nil {
			return err
		}
		fmt.Printf("knobs updated for %s\n", args[0])
		return nil
	},
}

var knobsResetCmd = &cobra.Command{
	Use:   "reset [name]",
	Short: "Delete the knobs for a throttle, restoring caller defaults",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		eng, err := newThrottle()
		if err != nil {
			return err
		}
		if err := eng.ResetKnobs(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("knobs reset for %s\n", args[0])
		return nil
	},
}

func init() {
	knobsSetCmd.Flags().Float64Var(&knobsRPS, "rps", 0, "tokens per second (-1 unlimited, 0 denied)")
	knobsSetCmd.Flags().Float64Var(&knobsBurst, "burst", 0, "burst factor")
	knobsSetCmd.Flags().DurationVar(&knobsWindow, "window", 0, "refill window (whole seconds)")
	knobsSetCmd.Flags().DurationVar(&knobsTTL, "ttl", throttle.DefaultKnobsTTL, "knob record expiry (0 keeps the record until reset)")

	knobsCmd.AddCommand(knobsGetCmd)
	knobsCmd.AddCommand(knobsSetCmd)
	knobsCmd.AddCommand(knobsResetCmd)
	rootCmd.AddCommand(knobsCmd)
}

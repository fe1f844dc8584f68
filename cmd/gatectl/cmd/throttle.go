package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"MKK-Gate/pkg/throttle"
)

var (
	throttleRPS    float64
	throttleBurst  float64
	throttleWindow time.Duration
	throttleTokens int64
)

var throttleCmd = &cobra.Command{
	Use:   "throttle",
	Short: "Evaluate and inspect throttles",
}

var throttleCheckCmd = &cobra.Command{
	Use:   "check [name]",
	Short: "Ask the named throttle for tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		eng, err := newThrottle()
		if err != nil {
			return err
		}
		d, err := eng.EvaluateWith(ctx, args[0], throttle.Params{
			RPS:    throttleRPS,
			Burst:  throttleBurst,
			Window: throttleWindow,
			Tokens: throttleTokens,
		})
		if err != nil {
			return err
		}

		fmt.Printf("allowed=%v tokens=%d mode=%s retry_after=%s\n",
			d.Allowed, d.Tokens, d.Mode, d.RetryAfter)
		return nil
	},
}

var throttleWaitCmd = &cobra.Command{
	Use:   "wait [name]",
	Short: "Block until the named throttle grants tokens",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		eng, err := newThrottle()
		if err != nil {
			return err
		}
		start := time.Now()
		if err := throttle.Wait(ctx, eng, args[0], throttleTokens); err != nil {
			return err
		}
		fmt.Printf("granted after %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var throttlePeekCmd = &cobra.Command{
	Use:   "peek [name]",
	Short: "Show the named throttle's bucket and knobs without consuming tokens",
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

		fmt.Printf("name    %s\n", args[0])
		if info.Bucket != nil {
			refreshed := "unset"
			if !info.Bucket.Refreshed.IsZero() {
				refreshed = info.Bucket.Refreshed.UTC().Format(time.RFC3339)
			}
			fmt.Printf("bucket  tokens=%g refreshed=%s\n", info.Bucket.Tokens, refreshed)
		} else {
			fmt.Println("bucket  (none)")
		}
		if info.Knobs != nil {
			fmt.Printf("knobs   rps=%g burst=%g window=%s\n",
				info.Knobs.RPS, info.Knobs.Burst, info.Knobs.Window)
		} else {
			fmt.Println("knobs   (none)")
		}
		return nil
	},
}

var throttleDelCmd = &cobra.Command{
	Use:   "del [name]",
	Short: "Delete the named throttle's bucket and knobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		eng, err := newThrottle()
		if err != nil {
			return err
		}
		if err := eng.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func newThrottle(extra ...throttle.Option) (*throttle.Throttle, error) {
	opts := []throttle.Option{
		throttle.WithPrefix(keyPrefix),
		throttle.WithDefaults(throttle.Defaults{
			RPS:    throttleRPS,
			Burst:  throttleBurst,
			Window: throttleWindow,
		}),
	}
	opts = append(opts, extra...)
	return throttle.New(newRedisClient(), opts...)
}

func init() {
	for _, c := range []*cobra.Command{throttleCheckCmd, throttleWaitCmd} {
		c.Flags().Float64Var(&throttleRPS, "rps", 10, "tokens per second (-1 unlimited, 0 denied)")
		c.Flags().Float64Var(&throttleBurst, "burst", 1, "burst factor")
		c.Flags().DurationVar(&throttleWindow, "window", 5*time.Second, "refill window (whole seconds)")
		c.Flags().Int64Var(&throttleTokens, "tokens", 1, "tokens to request")
	}

	throttleCmd.AddCommand(throttleCheckCmd)
	throttleCmd.AddCommand(throttleWaitCmd)
	throttleCmd.AddCommand(throttlePeekCmd)
	throttleCmd.AddCommand(throttleDelCmd)
	rootCmd.AddCommand(throttleCmd)
}

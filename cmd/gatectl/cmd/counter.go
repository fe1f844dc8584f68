package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"MKK-Gate/pkg/runningcounter"
)

var (
	counterPrefix   string
	counterInterval time.Duration
	counterPeriods  int
	counterAmount   float64
	counterGroup    string
)

var counterCmd = &cobra.Command{
	Use:   "counter",
	Short: "Increment and read windowed counters",
}

var counterIncCmd = &cobra.Command{
	Use:   "inc [name]",
	Short: "Add to a windowed counter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		rc, err := newCounter()
		if err != nil {
			return err
		}
		if counterGroup != "" {
			err = rc.IncGroup(ctx, counterGroup, args[0], counterAmount)
		} else {
			err = rc.Inc(ctx, args[0], counterAmount)
		}
		if err != nil {
			return err
		}
		fmt.Printf("added %g to %s\n", counterAmount, args[0])
		return nil
	},
}

var counterShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a counter's live buckets and windowed total",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		rc, err := newCounter()
		if err != nil {
			return err
		}
		counts, err := rc.BucketCounts(ctx, args[0])
		if err != nil {
			return err
		}

		var total float64
		for _, bc := range counts {
			fmt.Printf("bucket %d  %g\n", bc.Index, bc.Count)
			total += bc.Count
		}
		fmt.Printf("total over %s: %g\n", rc.Window(), total)
		return nil
	},
}

var counterGroupCmd = &cobra.Command{
	Use:   "group [group]",
	Short: "Show the windowed totals of every live counter in a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()

		rc, err := newCounter()
		if err != nil {
			return err
		}
		counts, err := rc.GroupCounts(ctx, args[0])
		if err != nil {
			return err
		}

		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)

		var total float64
		for _, name := range names {
			fmt.Printf("%-32s %g\n", name, counts[name])
			total += counts[name]
		}
		fmt.Printf("total over %s: %g\n", rc.Window(), total)
		return nil
	},
}

func newCounter() (*runningcounter.Counter, error) {
	return runningcounter.New(newRedisClient(), counterInterval, counterPeriods,
		runningcounter.WithPrefix(counterPrefix),
	)
}

func init() {
	counterCmd.PersistentFlags().StringVar(&counterPrefix, "counter-prefix", "rc", "counter key prefix")
	counterCmd.PersistentFlags().DurationVar(&counterInterval, "interval", 5*time.Second, "bucket interval (whole seconds)")
	counterCmd.PersistentFlags().IntVar(&counterPeriods, "periods", 12, "bucket count in the window")

	counterIncCmd.Flags().Float64Var(&counterAmount, "amount", 1, "amount to add (may be negative or fractional)")
	counterIncCmd.Flags().StringVar(&counterGroup, "group", "", "register the counter under this group")

	counterCmd.AddCommand(counterIncCmd)
	counterCmd.AddCommand(counterShowCmd)
	counterCmd.AddCommand(counterGroupCmd)
	rootCmd.AddCommand(counterCmd)
}

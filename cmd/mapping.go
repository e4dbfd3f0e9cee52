package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zcrush/internal/codec"
	"github.com/zzenonn/zcrush/internal/placement"
	"github.com/zzenonn/zcrush/internal/service"
	"github.com/zzenonn/zcrush/internal/topology"
)

var validateCmd = &cobra.Command{
	Use:   "validate [map]",
	Short: "Check a topology snapshot and print a summary",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		location := ""
		if len(args) == 1 {
			location = args[0]
		}
		t, err := loadTopology(cmd.Context(), location)
		if err != nil {
			return err
		}

		fmt.Printf("epoch:     %d\n", t.Epoch())
		fmt.Printf("tunables:  %s\n", t.Tunables().Name)
		fmt.Printf("devices:   %d\n", len(t.Devices()))
		fmt.Printf("buckets:   %d\n", len(t.Buckets()))
		fmt.Printf("max depth: %d\n", t.MaxDepth())
		for _, r := range t.Rules() {
			fmt.Printf("rule %d %s (%s)\n", r.ID, r.Name, r.Kind)
		}
		return nil
	},
}

var compileCmd = &cobra.Command{
	Use:   "compile [input] [output]",
	Short: "Convert a snapshot between the YAML and binary forms",
	Long: `compile reads a snapshot of either form and writes it to a local path,
as YAML when the output ends in .yaml or .yml and in the binary form
otherwise.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("compression")
		c, err := codec.ParseCompression(name)
		if err != nil {
			return err
		}
		t, err := loadTopology(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := service.WriteSnapshot(args[1], t, c); err != nil {
			return err
		}
		fmt.Printf("Compiled epoch %d: %s -> %s\n", t.Epoch(), args[0], args[1])
		return nil
	},
}

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Compute the devices of a unit or an object",
	Long: `map computes a placement either for a raw unit under a rule
(--rule, --unit, --width) or for an object in a configured pool
(--pool, --object).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, m, err := loadStore(cmd.Context())
		if err != nil {
			return err
		}
		svc := service.NewPlacementService(store, cfg.Pools, nil, cfg.Workers)
		t := m.Topology()

		if poolName, _ := cmd.Flags().GetString("pool"); poolName != "" {
			object, _ := cmd.Flags().GetString("object")
			pl, err := svc.PlaceObject(0, poolName, object)
			if err != nil {
				return err
			}
			devices := pl.Devices
			if pl.Shards != nil {
				devices = pl.Shards
			}
			fmt.Printf("pool %s pg %x unit %d -> %s\n", pl.Pool, pl.PG, pl.Unit, formatDevices(t, devices))
			if pl.Degraded() {
				fmt.Printf("degraded: %d of %d shards placed\n", len(pl.Devices), pl.Width)
			}
			return nil
		}

		rule, _ := cmd.Flags().GetString("rule")
		ruleID, err := resolveRule(t, rule)
		if err != nil {
			return err
		}
		unit, _ := cmd.Flags().GetUint32("unit")
		width, _ := cmd.Flags().GetInt("width")
		res, err := svc.Map(0, ruleID, unit, width)
		if err != nil {
			return err
		}
		fmt.Printf("rule %d unit %d -> %s\n", ruleID, unit, formatDevices(t, res.Devices))
		if res.Partial() {
			fmt.Printf("partial: %d of %d devices placed\n", len(res.Devices), width)
		}
		return nil
	},
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Map a range of units and compare the spread with the weights",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, m, err := loadStore(cmd.Context())
		if err != nil {
			return err
		}
		t := m.Topology()
		rule, _ := cmd.Flags().GetString("rule")
		ruleID, err := resolveRule(t, rule)
		if err != nil {
			return err
		}
		width, _ := cmd.Flags().GetInt("width")
		from, to, err := unitRange(cmd)
		if err != nil {
			return err
		}
		alpha, _ := cmd.Flags().GetFloat64("alpha")

		var progress func(int)
		if !quiet {
			bar := progressbar.Default(int64(to-from), "mapping")
			progress = func(n int) { _ = bar.Add(n) }
			defer bar.Close()
		}

		svc := service.NewPlacementService(store, cfg.Pools, nil, cfg.Workers)
		dist, err := svc.Distribution(cmd.Context(), 0, ruleID, width, from, to, progress)
		if err != nil {
			return err
		}
		printDistribution(t, dist, alpha)
		if !dist.Fits(alpha) {
			return fmt.Errorf("spread does not fit the weights at alpha %g", alpha)
		}
		return nil
	},
}

func printDistribution(t *topology.Topology, dist *placement.Distribution, alpha float64) {
	ids := make([]topology.ItemID, 0, len(dist.Expected))
	for id := range dist.Expected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tCOUNT\tEXPECTED\tRATIO")
	for _, id := range ids {
		exp := dist.Expected[id]
		ratio := 0.0
		if exp > 0 {
			ratio = float64(dist.Counts[id]) / exp
		}
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.3f\n", t.ItemName(id), dist.Counts[id], exp, ratio)
	}
	w.Flush()

	fmt.Printf("units %d, placed %d, partial %d\n", dist.Units, dist.Placed, dist.Partial)
	fmt.Printf("chi-square %.2f, dof %d, critical %.2f at alpha %g\n",
		dist.ChiSquare, dist.DegreesOfFreedom, placement.ChiSquareCritical(dist.DegreesOfFreedom, alpha), alpha)
}

var reverseCmd = &cobra.Command{
	Use:   "reverse [device]",
	Short: "List the units in a range that place onto a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, m, err := loadStore(cmd.Context())
		if err != nil {
			return err
		}
		t := m.Topology()
		device, err := resolveItem(t, args[0])
		if err != nil {
			return err
		}
		rule, _ := cmd.Flags().GetString("rule")
		ruleID, err := resolveRule(t, rule)
		if err != nil {
			return err
		}
		width, _ := cmd.Flags().GetInt("width")
		from, to, err := unitRange(cmd)
		if err != nil {
			return err
		}

		svc := service.NewPlacementService(store, cfg.Pools, nil, cfg.Workers)
		units, err := svc.ReverseQuery(cmd.Context(), 0, device, ruleID, width, from, to)
		if err != nil {
			return err
		}
		for _, u := range units {
			fmt.Println(u)
		}
		fmt.Fprintf(os.Stderr, "%d of %d units use %s\n", len(units), to-from, t.ItemName(device))
		return nil
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff [before] [after]",
	Short: "List the units that move between two snapshots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		before, err := loadTopology(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		after, err := loadTopology(cmd.Context(), args[1])
		if err != nil {
			return err
		}
		rule, _ := cmd.Flags().GetString("rule")
		ruleID, err := resolveRule(before, rule)
		if err != nil {
			return err
		}
		width, _ := cmd.Flags().GetInt("width")
		from, to, err := unitRange(cmd)
		if err != nil {
			return err
		}

		a, err := placement.NewMapper(before)
		if err != nil {
			return err
		}
		b, err := placement.NewMapper(after)
		if err != nil {
			return err
		}
		moves, err := placement.Diff(cmd.Context(), a, b, ruleID, width, from, to, placement.ScanOptions{Workers: cfg.Workers})
		if err != nil {
			return err
		}
		for _, mv := range moves {
			fmt.Printf("%d %s -> %s\n", mv.Unit, formatDevices(before, mv.Before), formatDevices(after, mv.After))
		}
		fmt.Fprintf(os.Stderr, "%d of %d units moved (%.2f%%)\n", len(moves), to-from, 100*float64(len(moves))/float64(to-from))
		return nil
	},
}

func unitRange(cmd *cobra.Command) (uint32, uint32, error) {
	from, _ := cmd.Flags().GetUint32("from")
	to, _ := cmd.Flags().GetUint32("to")
	if to <= from {
		return 0, 0, fmt.Errorf("empty unit range [%d, %d)", from, to)
	}
	return from, to, nil
}

func addRuleFlags(cmd *cobra.Command) {
	cmd.Flags().String("rule", "0", "Rule name or id")
	cmd.Flags().Int("width", 3, "Number of devices to select")
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().Uint32("from", 0, "First unit of the range")
	cmd.Flags().Uint32("to", 1024, "End of the range, exclusive")
}

func init() {
	compileCmd.Flags().String("compression", "zstd", "Payload compression of binary output (none, zstd)")

	addRuleFlags(mapCmd)
	mapCmd.Flags().Uint32("unit", 0, "Unit to map")
	mapCmd.Flags().String("pool", "", "Map an object in this configured pool")
	mapCmd.Flags().String("object", "", "Object name, with --pool")
	mapCmd.MarkFlagsRequiredTogether("pool", "object")

	for _, c := range []*cobra.Command{testCmd, reverseCmd, diffCmd} {
		addRuleFlags(c)
		addRangeFlags(c)
	}
	testCmd.Flags().Float64("alpha", 0.001, "Significance level of the chi-square test")

	rootCmd.AddCommand(validateCmd, compileCmd, mapCmd, testCmd, reverseCmd, diffCmd)
}

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zzenonn/zcrush/internal/codec"
	"github.com/zzenonn/zcrush/internal/service"
	"github.com/zzenonn/zcrush/internal/topology"
	"github.com/zzenonn/zcrush/internal/tunables"
)

// editFunc derives a new epoch from t.
type editFunc func(t *topology.Topology, args []string) (*topology.Topology, error)

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Derive the next epoch of the configured map",
	Long: `edit applies one change to the configured map and writes the result,
one epoch newer, to --output or back to the map itself when it is a
local file.`,
}

// editCommand builds an edit subcommand around fn.
func editCommand(use, short string, nargs int, fn editFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := loadTopology(cmd.Context(), "")
			if err != nil {
				return err
			}
			next, err := fn(t, args)
			if err != nil {
				return err
			}

			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				if strings.Contains(cfg.Map, "://") {
					return fmt.Errorf("map %s is not a local file, set --output", cfg.Map)
				}
				output = cfg.Map
			}
			name, _ := cmd.Flags().GetString("compression")
			c, err := codec.ParseCompression(name)
			if err != nil {
				return err
			}
			if err := service.WriteSnapshot(output, next, c); err != nil {
				return err
			}
			fmt.Printf("Wrote epoch %d to %s\n", next.Epoch(), output)
			return nil
		},
	}
}

func parseWeight(s string) (topology.Weight, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad weight %q", s)
	}
	return topology.WeightFromFloat(f)
}

func init() {
	reweight := editCommand("reweight [device] [weight]", "Set the weight of a device", 2,
		func(t *topology.Topology, args []string) (*topology.Topology, error) {
			id, err := resolveItem(t, args[0])
			if err != nil {
				return nil, err
			}
			w, err := parseWeight(args[1])
			if err != nil {
				return nil, err
			}
			return t.WithWeightChanged(id, w)
		})

	override := editCommand("override [device] [fraction]", "Set the reweight override of a device (0 to 1)", 2,
		func(t *topology.Topology, args []string) (*topology.Topology, error) {
			id, err := resolveItem(t, args[0])
			if err != nil {
				return nil, err
			}
			rw, err := parseWeight(args[1])
			if err != nil {
				return nil, err
			}
			return t.WithReweight(id, rw)
		})

	out := editCommand("out [device]", "Mark a device out", 1,
		func(t *topology.Topology, args []string) (*topology.Topology, error) {
			id, err := resolveItem(t, args[0])
			if err != nil {
				return nil, err
			}
			return t.WithAvailability(id, false)
		})

	in := editCommand("in [device]", "Mark a device in", 1,
		func(t *topology.Topology, args []string) (*topology.Topology, error) {
			id, err := resolveItem(t, args[0])
			if err != nil {
				return nil, err
			}
			return t.WithAvailability(id, true)
		})

	addDevice := editCommand("add-device [id] [weight] [location]", `Add or move a device, e.g. add-device 12 1.0 "root=default rack=r2 host=h7"`, 3,
		func(t *topology.Topology, args []string) (*topology.Topology, error) {
			id, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil || id < 0 {
				return nil, fmt.Errorf("bad device id %q", args[0])
			}
			w, err := parseWeight(args[1])
			if err != nil {
				return nil, err
			}
			loc, err := topology.ParseLocation(args[2])
			if err != nil {
				return nil, err
			}
			return t.WithDeviceAt(topology.DeviceRecord{ID: topology.ItemID(id), Weight: w}, loc, 0)
		})

	remove := editCommand("remove [item]", "Remove a device or an empty bucket", 1,
		func(t *topology.Topology, args []string) (*topology.Topology, error) {
			id, err := resolveItem(t, args[0])
			if err != nil {
				return nil, err
			}
			return t.WithItemRemoved(id)
		})

	move := editCommand("move [item] [parent]", "Move an item under another bucket", 2,
		func(t *topology.Topology, args []string) (*topology.Topology, error) {
			id, err := resolveItem(t, args[0])
			if err != nil {
				return nil, err
			}
			parent, err := resolveItem(t, args[1])
			if err != nil {
				return nil, err
			}
			return t.WithItemMoved(id, parent)
		})

	profile := editCommand("tunables [profile]", "Switch to a named tunables profile ("+strings.Join(tunables.Names(), ", ")+")", 1,
		func(t *topology.Topology, args []string) (*topology.Topology, error) {
			p, err := tunables.Lookup(args[0])
			if err != nil {
				return nil, err
			}
			return t.WithTunables(p)
		})

	for _, c := range []*cobra.Command{reweight, override, out, in, addDevice, remove, move, profile} {
		c.Flags().StringP("output", "o", "", "Where to write the new epoch (default: the map itself)")
		c.Flags().String("compression", "zstd", "Payload compression of binary output (none, zstd)")
		editCmd.AddCommand(c)
	}
	rootCmd.AddCommand(editCmd)
}

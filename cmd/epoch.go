package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zcrush/internal/codec"
	"github.com/zzenonn/zcrush/internal/domain"
	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/metrics"
	"github.com/zzenonn/zcrush/internal/placement"
	"github.com/zzenonn/zcrush/internal/repository/db"
	"github.com/zzenonn/zcrush/internal/repository/migrate"
	"github.com/zzenonn/zcrush/internal/service"
)

var epochCmd = &cobra.Command{
	Use:   "epoch",
	Short: "Publish and inspect archived epochs",
}

var publishCmd = &cobra.Command{
	Use:   "publish [map]",
	Short: "Archive a snapshot as the next epoch of the cluster",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		location := ""
		if len(args) == 1 {
			location = args[0]
		}
		t, err := loadTopology(ctx, location)
		if err != nil {
			return err
		}

		store, err := placement.NewStore(cfg.HistorySize)
		if err != nil {
			return err
		}
		snapshots, catalog, err := openSnapshots(ctx, store)
		if err != nil {
			return err
		}
		defer catalog.Close()

		// Load the newest recorded epoch first so stale snapshots are
		// refused before anything is uploaded.
		if _, err := snapshots.Restore(ctx, true); err != nil && !isNotFound(err) {
			return err
		}
		rec, err := snapshots.Publish(ctx, t, quiet)
		if err != nil {
			return err
		}
		printRecord(rec)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the recorded epochs of the cluster",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := openCatalog(cmd.Context())
		if err != nil {
			return err
		}
		defer catalog.Close()

		recs, err := catalog.List(cmd.Context(), cfg.Cluster)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EPOCH\tPUBLISHED\tDEVICES\tBUCKETS\tRULES\tTUNABLES\tSIZE\tLOCATION")
		for _, r := range recs {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%s\t%d\t%s\n",
				r.Epoch, r.PublishedAt.Format(time.RFC3339), r.Devices, r.Buckets, r.Rules, r.Tunables, r.Size, r.Location)
		}
		return w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show [epoch]",
	Short: "Fetch and verify an archived epoch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		epoch, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad epoch %q", args[0])
		}
		store, err := placement.NewStore(cfg.HistorySize)
		if err != nil {
			return err
		}
		snapshots, catalog, err := openSnapshots(ctx, store)
		if err != nil {
			return err
		}
		defer catalog.Close()

		t, rec, err := snapshots.Fetch(ctx, epoch, quiet)
		if err != nil {
			return err
		}
		printRecord(rec)

		if output, _ := cmd.Flags().GetString("output"); output != "" {
			if err := service.WriteSnapshot(output, t, codec.CompressionZstd); err != nil {
				return err
			}
			fmt.Printf("Wrote epoch %d to %s\n", t.Epoch(), output)
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Load the newest epoch and report placement metrics for a unit range",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := placement.NewStore(cfg.HistorySize)
		if err != nil {
			return err
		}
		reg := prometheus.NewRegistry()
		m := metrics.NewPlacementMetrics(reg)

		archive, err := repositories.Open(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		catalog, err := openCatalog(ctx)
		if err != nil {
			return err
		}
		defer catalog.Close()

		snapshots := service.NewSnapshotService(cfg.Cluster, archive, catalog, store, m)
		mapper, err := snapshots.Restore(ctx, quiet)
		if err != nil {
			return err
		}
		fmt.Printf("Restored epoch %d of %s\n", mapper.Epoch(), cfg.Cluster)

		rule, _ := cmd.Flags().GetString("rule")
		ruleID, err := resolveRule(mapper.Topology(), rule)
		if err != nil {
			return err
		}
		width, _ := cmd.Flags().GetInt("width")
		from, to, err := unitRange(cmd)
		if err != nil {
			return err
		}
		svc := service.NewPlacementService(store, cfg.Pools, m, cfg.Workers)
		for u := from; u < to; u++ {
			if _, err := svc.Map(0, ruleID, u, width); err != nil {
				return err
			}
		}
		return writeMetrics(reg)
	},
}

func printRecord(rec domain.EpochRecord) {
	fmt.Printf("cluster:   %s\n", rec.Cluster)
	fmt.Printf("epoch:     %d\n", rec.Epoch)
	fmt.Printf("published: %s\n", rec.PublishedAt.Format(time.RFC3339))
	fmt.Printf("location:  %s\n", rec.Location)
	fmt.Printf("checksum:  %s\n", rec.Checksum)
	fmt.Printf("size:      %d\n", rec.Size)
	fmt.Printf("contents:  %d devices, %d buckets, %d rules, %s tunables\n", rec.Devices, rec.Buckets, rec.Rules, rec.Tunables)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the DynamoDB epoch catalog table",
}

// catalogTable returns the catalog table migration and a client to run it.
func catalogTable(ctx context.Context) (*migrate.CreateEpochCatalogTable, *dynamodb.Client, error) {
	if cfg.Catalog.Backend != string(db.DynamoBackend) {
		return nil, nil, fmt.Errorf("catalog backend is %q, migrations only apply to %s", cfg.Catalog.Backend, db.DynamoBackend)
	}
	awsConfig, err := cfg.AWS(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &migrate.CreateEpochCatalogTable{Table: cfg.Catalog.Table}, db.NewDynamoClient(awsConfig), nil
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Create the epoch catalog table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, client, err := catalogTable(cmd.Context())
		if err != nil {
			return err
		}
		if err := m.Up(cmd.Context(), client); err != nil {
			return fmt.Errorf("failed to migrate the catalog: %w", err)
		}
		fmt.Printf("Catalog table %s created (%s)\n", m.TableName(), m.Version())
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Delete the epoch catalog table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, client, err := catalogTable(cmd.Context())
		if err != nil {
			return err
		}
		if err := m.Down(cmd.Context(), client); err != nil {
			return fmt.Errorf("failed to roll back the catalog: %w", err)
		}
		fmt.Printf("Catalog table %s deleted\n", m.TableName())
		return nil
	},
}

func isNotFound(err error) bool {
	return errors.Is(err, zerrors.ErrNotFound)
}

// writeMetrics prints the gathered metrics in the Prometheus text format.
func writeMetrics(reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(os.Stdout, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	showCmd.Flags().StringP("output", "o", "", "Also write the fetched snapshot to this path")
	addRuleFlags(restoreCmd)
	addRangeFlags(restoreCmd)

	epochCmd.AddCommand(publishCmd, listCmd, showCmd, restoreCmd)
	migrateCmd.AddCommand(upCmd, downCmd)
	rootCmd.AddCommand(epochCmd, migrateCmd)
}

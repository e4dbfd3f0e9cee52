package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zzenonn/zcrush/internal/config"
	"github.com/zzenonn/zcrush/internal/logging"
	"github.com/zzenonn/zcrush/internal/placement"
	"github.com/zzenonn/zcrush/internal/repository/db"
	"github.com/zzenonn/zcrush/internal/repository/objectstore"
	"github.com/zzenonn/zcrush/internal/service"
	"github.com/zzenonn/zcrush/internal/topology"
)

var (
	cfg          *config.Config
	configPath   string
	quiet        bool
	repositories *objectstore.ObjectRepositoryFactory
)

var rootCmd = &cobra.Command{
	Use:   "zcrush",
	Short: "Deterministic data placement over a weighted device hierarchy",
	Long: `zcrush computes which devices hold a unit of data from a topology
snapshot and a placement rule, without any lookup table. Snapshots are
published as numbered epochs to an archive and recorded in a catalog.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default ./config.yaml)")
	flags.String("map", "", "Topology snapshot: a local path or an object URI")
	flags.String("log_level", "", "Log level (trace, debug, info, warn, error)")
	flags.String("cluster", "", "Cluster name epochs are recorded under")
	flags.String("archive", "", "Where published snapshots are stored")
	flags.Int("workers", 0, "Workers for range scans (0 means one per CPU)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(configPath, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)

	repositories = objectstore.NewObjectRepositoryFactory(cfg.AWS, cfg.GCS)
}

// loadTopology reads the snapshot at location, or the configured map when
// location is empty.
func loadTopology(ctx context.Context, location string) (*topology.Topology, error) {
	if location == "" {
		location = cfg.Map
	}
	log.Debugf("Loading topology from %s", location)
	return service.ReadSnapshot(ctx, repositories, location, quiet)
}

// loadStore loads the configured map into a fresh epoch store and returns
// the store with its current mapper.
func loadStore(ctx context.Context) (*placement.Store, *placement.Mapper, error) {
	t, err := loadTopology(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	store, err := placement.NewStore(cfg.HistorySize)
	if err != nil {
		return nil, nil, err
	}
	m, err := store.Publish(t)
	if err != nil {
		return nil, nil, err
	}
	return store, m, nil
}

func openCatalog(ctx context.Context) (db.Catalog, error) {
	return db.Open(ctx, db.Options{
		Backend:   db.Backend(cfg.Catalog.Backend),
		Path:      cfg.Catalog.Path,
		Table:     cfg.Catalog.Table,
		AWSConfig: cfg.AWS,
	})
}

// openSnapshots wires the archive and the catalog into a SnapshotService.
// The caller closes the returned catalog.
func openSnapshots(ctx context.Context, store *placement.Store) (*service.SnapshotService, db.Catalog, error) {
	archive, err := repositories.Open(ctx, cfg.Archive)
	if err != nil {
		return nil, nil, err
	}
	catalog, err := openCatalog(ctx)
	if err != nil {
		return nil, nil, err
	}
	return service.NewSnapshotService(cfg.Cluster, archive, catalog, store, nil), catalog, nil
}

// resolveItem accepts an item name or a numeric id.
func resolveItem(t *topology.Topology, s string) (topology.ItemID, error) {
	if id, ok := t.Lookup(s); ok {
		return id, nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("no item named %q", s)
	}
	return topology.ItemID(n), nil
}

// resolveRule accepts a rule name or a numeric id.
func resolveRule(t *topology.Topology, s string) (int32, error) {
	if r, err := t.RuleByName(s); err == nil {
		return r.ID, nil
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("no rule named %q", s)
	}
	if _, err := t.Rule(int32(n)); err != nil {
		return 0, err
	}
	return int32(n), nil
}

func formatDevices(t *topology.Topology, ids []topology.ItemID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		if id == topology.ItemNone {
			names[i] = "-"
			continue
		}
		names[i] = t.ItemName(id)
	}
	return "[" + strings.Join(names, " ") + "]"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package service wires the placement core to storage and metrics.
//
// SnapshotService moves topology epochs between the archive, the catalog and
// the in-memory epoch store. PlacementService answers placement requests
// against that store.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zcrush/internal/codec"
	"github.com/zzenonn/zcrush/internal/domain"
	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/metrics"
	"github.com/zzenonn/zcrush/internal/placement"
	"github.com/zzenonn/zcrush/internal/repository/objectstore"
	"github.com/zzenonn/zcrush/internal/topology"
)

// ObjectRepository is the archive the service stores snapshots in.
type ObjectRepository interface {
	Upload(ctx context.Context, key string, r io.Reader, quiet bool) (string, error)
	Download(ctx context.Context, key string, quiet bool) (io.ReadCloser, error)
}

// EpochCatalog records which epochs were published.
type EpochCatalog interface {
	Record(ctx context.Context, rec domain.EpochRecord) error
	Get(ctx context.Context, cluster string, epoch uint64) (domain.EpochRecord, error)
	Latest(ctx context.Context, cluster string) (domain.EpochRecord, error)
	List(ctx context.Context, cluster string) ([]domain.EpochRecord, error)
}

// RepositoryOpener creates archive repositories for arbitrary locations.
type RepositoryOpener interface {
	CreateRepository(ctx context.Context, config objectstore.BucketConfig) (objectstore.ObjectRepository, error)
}

type SnapshotService struct {
	cluster     string
	archive     ObjectRepository
	catalog     EpochCatalog
	store       *placement.Store
	metrics     *metrics.PlacementMetrics
	compression codec.Compression
	now         func() time.Time
}

// NewSnapshotService creates a new SnapshotService instance. m may be nil.
func NewSnapshotService(cluster string, archive ObjectRepository, catalog EpochCatalog, store *placement.Store, m *metrics.PlacementMetrics) *SnapshotService {
	return &SnapshotService{
		cluster:     cluster,
		archive:     archive,
		catalog:     catalog,
		store:       store,
		metrics:     m,
		compression: codec.CompressionZstd,
		now:         time.Now,
	}
}

// Publish archives t, records it in the catalog and makes it the current
// epoch of the store.
func (s *SnapshotService) Publish(ctx context.Context, t *topology.Topology, quiet bool) (domain.EpochRecord, error) {
	if !t.Checked() {
		return domain.EpochRecord{}, zerrors.MalformedError("refusing to publish an unvalidated topology")
	}
	if cur, err := s.store.Current(); err == nil && t.Epoch() <= cur.Epoch() {
		return domain.EpochRecord{}, fmt.Errorf("%w: %d <= %d", zerrors.ErrStaleEpoch, t.Epoch(), cur.Epoch())
	}

	data, err := codec.Encode(t, s.compression)
	if err != nil {
		return domain.EpochRecord{}, err
	}
	sum, err := codec.Checksum(data)
	if err != nil {
		return domain.EpochRecord{}, err
	}

	location, err := s.archive.Upload(ctx, snapshotKey(t.Epoch()), bytes.NewReader(data), quiet)
	if err != nil {
		return domain.EpochRecord{}, fmt.Errorf("failed to archive epoch %d: %w", t.Epoch(), err)
	}

	rec := domain.EpochRecord{
		Cluster:     s.cluster,
		Epoch:       t.Epoch(),
		Checksum:    strconv.FormatUint(sum, 16),
		Location:    location,
		Size:        int64(len(data)),
		Devices:     len(t.Devices()),
		Buckets:     len(t.Buckets()),
		Rules:       len(t.Rules()),
		Tunables:    t.Tunables().Name,
		PublishedAt: s.now().UTC(),
	}
	if err := s.catalog.Record(ctx, rec); err != nil {
		return domain.EpochRecord{}, err
	}

	if err := s.activate(t); err != nil {
		// The record stays: the archive and catalog are consistent, and
		// Restore will load the epoch.
		log.Errorf("Epoch %d of %s is recorded but was not activated: %v", rec.Epoch, s.cluster, err)
		return rec, err
	}
	log.Infof("Published epoch %d of %s to %s", rec.Epoch, s.cluster, rec.Location)
	return rec, nil
}

func (s *SnapshotService) activate(t *topology.Topology) error {
	if _, err := s.store.Publish(t); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SetEpoch(t.Epoch())
	}
	return nil
}

// Fetch downloads and verifies a recorded epoch without activating it.
func (s *SnapshotService) Fetch(ctx context.Context, epoch uint64, quiet bool) (*topology.Topology, domain.EpochRecord, error) {
	rec, err := s.catalog.Get(ctx, s.cluster, epoch)
	if err != nil {
		return nil, rec, err
	}
	t, err := s.fetch(ctx, rec, quiet)
	return t, rec, err
}

func (s *SnapshotService) fetch(ctx context.Context, rec domain.EpochRecord, quiet bool) (*topology.Topology, error) {
	rc, err := s.archive.Download(ctx, snapshotKey(rec.Epoch), quiet)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch epoch %d: %w", rec.Epoch, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read epoch %d: %w", rec.Epoch, err)
	}
	sum, err := codec.Checksum(data)
	if err != nil {
		return nil, err
	}
	if strconv.FormatUint(sum, 16) != rec.Checksum {
		return nil, fmt.Errorf("%w: epoch %d archived as %x, catalog says %s", zerrors.ErrChecksumMismatch, rec.Epoch, sum, rec.Checksum)
	}

	t, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	if t.Epoch() != rec.Epoch {
		return nil, zerrors.MalformedError("archive object for epoch %d holds epoch %d", rec.Epoch, t.Epoch())
	}
	return t, nil
}

// Restore loads the newest recorded epoch into the store.
func (s *SnapshotService) Restore(ctx context.Context, quiet bool) (*placement.Mapper, error) {
	rec, err := s.catalog.Latest(ctx, s.cluster)
	if err != nil {
		return nil, err
	}
	t, err := s.fetch(ctx, rec, quiet)
	if err != nil {
		return nil, err
	}
	if err := s.activate(t); err != nil {
		return nil, err
	}
	log.Infof("Restored epoch %d of %s", rec.Epoch, s.cluster)
	return s.store.Current()
}

// Epochs lists the recorded epochs, oldest first.
func (s *SnapshotService) Epochs(ctx context.Context) ([]domain.EpochRecord, error) {
	return s.catalog.List(ctx, s.cluster)
}

// ReadSnapshot loads a snapshot of either form from a local path or an
// object URI.
func ReadSnapshot(ctx context.Context, opener RepositoryOpener, location string, quiet bool) (*topology.Topology, error) {
	if !strings.Contains(location, "://") {
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot: %w", err)
		}
		return codec.Load(data)
	}

	cfg, key, err := objectstore.SplitObjectURI(location)
	if err != nil {
		return nil, err
	}
	repo, err := opener.CreateRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rc, err := repo.Download(ctx, key, quiet)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return codec.Read(rc)
}

// WriteSnapshot writes t to a local path, as YAML when the name ends in
// .yaml or .yml and in the binary form otherwise.
func WriteSnapshot(path string, t *topology.Topology, c codec.Compression) error {
	var (
		data []byte
		err  error
	)
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = codec.EncodeYAML(t)
	} else {
		data, err = codec.Encode(t, c)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

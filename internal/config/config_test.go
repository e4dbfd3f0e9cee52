package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zcrush/internal/pool"
)

func load(t *testing.T, path string, cmd *cobra.Command) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := LoadConfig(path, cmd)
	require.NoError(t, err)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOG_LEVEL", "")
	cfg := load(t, "", nil)

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "text", cfg.LogFormat)
	require.Equal(t, "default", cfg.Cluster)
	require.Equal(t, "crushmap.yaml", cfg.Map)
	require.Equal(t, 16, cfg.HistorySize)
	require.Zero(t, cfg.Workers)
	require.Equal(t, CatalogConfig{Backend: "bolt", Path: "zcrush-catalog.db", Table: "zcrush_epochs"}, cfg.Catalog)
	require.Empty(t, cfg.Pools)
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
map: /etc/zcrush/map.zcrs
workers: 4
catalog:
  backend: dynamodb
  table: from_file
pools:
  - id: 1
    name: rbd
    type: replicated
    rule: rack_leaf
    pg_num: 128
    size: 3
  - id: 2
    name: ec
    type: erasure
    rule: rack_indep
    pg_num: 64
    data_shards: 4
    parity_shards: 2
`), 0o600))

	t.Setenv("CATALOG_TABLE", "from_env")

	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().String("map", "", "")
	require.NoError(t, cmd.PersistentFlags().Set("map", "/tmp/flag.yaml"))

	cfg := load(t, path, cmd)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "/tmp/flag.yaml", cfg.Map)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, "dynamodb", cfg.Catalog.Backend)
	require.Equal(t, "from_env", cfg.Catalog.Table)

	require.Len(t, cfg.Pools, 2)
	require.Equal(t, pool.Erasure, cfg.Pools[1].Type)
	require.Equal(t, 6, cfg.Pools[1].Width())
	require.EqualValues(t, 128, cfg.Pools[0].PGNum)
}

func TestLoadConfig_InvalidPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pools:\n  - {name: bad, rule: r, pg_num: 0, size: 3}\n"), 0o600))
	viper.Reset()
	t.Cleanup(viper.Reset)
	_, err := LoadConfig(path, nil)
	require.Error(t, err)
}

type fakeSSM map[string]string

func (f fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f[aws.ToString(in.Name)]
	if !ok {
		return nil, errors.New("ParameterNotFound")
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(v)}}, nil
}

func TestResolveSSM(t *testing.T) {
	cfg := &Config{
		Map:     "ssm:/zcrush/map",
		Archive: "s3://maps/prod",
		Catalog: CatalogConfig{Table: "ssm:/zcrush/table"},
	}
	require.True(t, needsSSM(cfg))

	err := ResolveSSM(context.Background(), fakeSSM{"/zcrush/map": "s3://maps/prod/epoch-9.zcrs", "/zcrush/table": "prod_epochs"}, cfg)
	require.NoError(t, err)
	require.Equal(t, "s3://maps/prod/epoch-9.zcrs", cfg.Map)
	require.Equal(t, "s3://maps/prod", cfg.Archive)
	require.Equal(t, "prod_epochs", cfg.Catalog.Table)
	require.False(t, needsSSM(cfg))

	cfg.Map = "ssm:/missing"
	require.Error(t, ResolveSSM(context.Background(), fakeSSM{}, cfg))
}

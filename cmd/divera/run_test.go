package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"divera/internal/config"
	"divera/pkg/plugin"
	"divera/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPlugin struct {
	name    string
	healthy bool
}

func (p *stubPlugin) Name() string  { return p.name }
func (p *stubPlugin) Start() error  { return nil }
func (p *stubPlugin) Stop()         {}
func (p *stubPlugin) Healthy() bool { return p.healthy }

func TestAPIOptions(t *testing.T) {
	cfg := config.Default()
	cfg.ReadOnly = true

	opts := apiOptions(cfg, []plugin.Plugin{&stubPlugin{name: "mqtt", healthy: true}})
	assert.Equal(t, ":8080", opts.Listen)
	assert.True(t, opts.ReadOnly)
	assert.Nil(t, opts.History)
	require.Contains(t, opts.Publishers, "mqtt")
	assert.True(t, opts.Publishers["mqtt"].Healthy())
}

func TestRun(t *testing.T) {
	fake := testutil.NewFakeDivera("key")
	defer fake.Close()
	fake.AddCluster(testutil.Cluster{
		UCRID:     100,
		ClusterID: 10,
		Name:      "FF Musterstadt",
		Statuses:  []testutil.Status{{ID: 1, Name: "Available"}},
		StatusID:  1,
	})

	dbPath := filepath.Join(t.TempDir(), "divera.db")
	cfg := config.Default()
	cfg.Divera.AccessKey = "key"
	cfg.Divera.BaseURL = fake.URL()
	cfg.History.Enabled = true
	cfg.History.Path = dbPath
	cfg.API.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, zap.NewNop())
	}()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(dbPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_DiscoveryFailure(t *testing.T) {
	fake := testutil.NewFakeDivera("key")
	defer fake.Close()

	cfg := config.Default()
	cfg.Divera.AccessKey = "wrong"
	cfg.Divera.BaseURL = fake.URL()
	cfg.API.Enabled = false

	err := run(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientapi "github.com/iudanet/benchkeeper/internal/client/api"
	"github.com/iudanet/benchkeeper/internal/config"
	"github.com/iudanet/benchkeeper/internal/server/jwt"
	"github.com/iudanet/benchkeeper/pkg/api"
)

const testSecret = "agent-test-secret-0123456789"

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func testConfig(t *testing.T, dir string, replicas int) *config.Config {
	t.Helper()

	yaml := fmt.Sprintf(`
agent:
  listen: %s
  db_path: %s
  site: AUS
endpoints:
  primary:
    driver: sqlite
    path: %s
`, freeAddr(t), filepath.Join(dir, "local.db"), filepath.Join(dir, "central.db"))
	if replicas > 0 {
		yaml += "  replicas:\n"
		for i := 1; i <= replicas; i++ {
			yaml += fmt.Sprintf("    - driver: sqlite\n      path: %s\n", filepath.Join(dir, fmt.Sprintf("replica-%d.db", i)))
		}
	}
	yaml += fmt.Sprintf(`
failover:
  probe_interval: 50ms
  close_grace: 10ms
sync:
  refresh_interval: 100ms
  backoff_base: 10ms
  backoff_max: 100ms
auth:
  token_secret: %s
`, testSecret)

	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func TestAgent_DeliversToPrimary(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 0)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(context.Background(), cfg, "", BuildInfo{Version: "test"}, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, "")
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		assert.NoError(t, a.Close())
	})

	tokens, err := jwt.NewService(testSecret, time.Hour, nil)
	require.NoError(t, err)
	token, _, err := tokens.Generate("jdoe", "")
	require.NoError(t, err)
	client := clientapi.NewClient(cfg.Agent.ServerURL, token)

	require.Eventually(t, func() bool {
		_, err := client.Health(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	_, err = client.RegisterAsset(context.Background(), api.RegisterAssetRequest{Tag: "GF-1", Serial: "SN1"})
	require.NoError(t, err)
	res, err := client.Event(context.Background(), api.EventRequest{Type: api.EventCheckIn, Identifier: "SN1"})
	require.NoError(t, err)
	assert.Equal(t, "IN", res.Asset.Status)
	assert.Equal(t, "AUS", res.Asset.Site)

	require.Eventually(t, func() bool {
		st, err := client.Status(context.Background())
		return err == nil && st.Role == "PRIMARY" && st.QueueDepth == 0
	}, 5*time.Second, 20*time.Millisecond)

	hist, err := client.History(context.Background(), "GF-1")
	require.NoError(t, err)
	require.Len(t, hist.Events, 1)
	assert.Equal(t, res.OperationID, hist.Events[0].EventID)
	assert.NotNil(t, hist.Events[0].ServerTimestamp)

	// Отмена после доставки невозможна
	_, err = client.Undo(context.Background(), res.OperationID)
	assert.True(t, clientapi.HasCode(err, api.CodeNotWithdrawable), "got %v", err)
}

func TestAgent_ReloadEndpoints(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 0)

	a, err := New(context.Background(), cfg, "", BuildInfo{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
	})
	primary := a.endpoints["primary"].store

	next := testConfig(t, dir, 1)
	next.Agent = cfg.Agent
	require.NoError(t, a.Reload(context.Background(), next))

	eps := a.selector.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "primary", eps[0].Name)
	assert.Equal(t, "replica-1", eps[1].Name)
	assert.Same(t, primary, a.endpoints["primary"].store, "unchanged endpoint keeps its store")

	bad := testConfig(t, dir, 0)
	bad.Endpoints.Primary.Driver = "oracle"
	assert.ErrorIs(t, a.Reload(context.Background(), bad), config.ErrInvalidConfig)
	assert.Len(t, a.selector.Endpoints(), 2)
}

func TestNew_ShortSecret(t *testing.T) {
	cfg := testConfig(t, t.TempDir(), 0)
	cfg.Auth.TokenSecret = "short"

	_, err := New(context.Background(), cfg, "", BuildInfo{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestMigrate_SQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir, 1)
	cfg.Endpoints.Replicas[0].ReadOnly = true

	migrated, err := Migrate(context.Background(), cfg, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"primary"}, migrated)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "tag", "GF-1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"tag":"GF-1"`)

	buf.Reset()
	NewLogger("nonsense", &buf).Debug("debug")
	assert.Empty(t, buf.String())
}

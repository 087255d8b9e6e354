package executors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradingcore/src/config"
	"tradingcore/src/externalmodel"
	"tradingcore/src/recovery"
)

// sqliteConfig points both connections at one file that already holds the
// upstream trade_signals table.
func sqliteConfig(t *testing.T) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core.db")

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&externalmodel.TradeSignal{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	cfg := config.Default()
	cfg.Database.URL = "sqlite://" + path
	cfg.Database.GormLogLevel = int(logger.Silent)
	cfg.Database.MaxOpenConns = 1
	cfg.Database.MaxIdleConns = 1
	return cfg
}

func TestExecutor_RecoverAndServe(t *testing.T) {
	log, _ := test.NewNullLogger()
	x, err := New(sqliteConfig(t), logrus.NewEntry(log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })

	srv := httptest.NewServer(x.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	summary, err := x.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Positions)
	assert.Equal(t, 5_000_000.0, summary.ClosedEquity)
	assert.Equal(t, recovery.StatusActive, x.Recovery.Status())

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/portfolio")
	require.NoError(t, err)
	defer resp.Body.Close()
	var state struct {
		ClosedEquity float64 `json:"closed_equity"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, 5_000_000.0, state.ClosedEquity)
}

func TestExecutor_GeneratesInstanceID(t *testing.T) {
	x, err := New(sqliteConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })

	assert.NotEmpty(t, x.Engine.InstanceID())
	assert.Equal(t, x.cfg.Engine.InstanceID, x.Engine.InstanceID())
}

func TestRecoveryCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "success", err: nil, want: CodeOK},
		{name: "coded", err: &recovery.Error{Code: recovery.CodeDataCorrupt, Err: errors.New("bad row")}, want: "DATA_CORRUPT"},
		{name: "other", err: errors.New("boom"), want: "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RecoveryCode(tt.err))
		})
	}
}

package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/infrastructure/health"
	"funding_keeper/internal/venue/paper"
	apperrors "funding_keeper/pkg/errors"
)

type nopLogger struct{}

func (l *nopLogger) Debug(msg string, fields ...interface{})               {}
func (l *nopLogger) Info(msg string, fields ...interface{})                {}
func (l *nopLogger) Warn(msg string, fields ...interface{})                {}
func (l *nopLogger) Error(msg string, fields ...interface{})               {}
func (l *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *nopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func paperConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Telemetry.Enabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestKeeperLifecycleWithPaperVenues(t *testing.T) {
	app, err := NewApp(paperConfig(t), &nopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.Start(ctx))

	assert.ElementsMatch(t, []string{"BTC", "ETH"}, app.symbols.TradableSymbols())

	snap := app.tracker.Snapshot()
	assert.True(t, snap["HYPERLIQUID"].Healthy, "initialization feeds the venue marks")
	assert.True(t, snap["LIGHTER"].Healthy)

	app.Stop()
}

func TestStartSurfacesVenueInitFailure(t *testing.T) {
	app, err := NewApp(paperConfig(t), &nopLogger{})
	require.NoError(t, err)

	failing := paper.New(core.VenueLighter)
	failing.FailWith("Initialize", apperrors.NewVenueError("LIGHTER", apperrors.KindNetwork,
		"Initialize", "connection refused", errors.New("connection refused")))
	app.venues[core.VenueLighter] = health.WrapVenue(failing, app.tracker)

	err = app.Start(context.Background())
	var venueErr *VenueInitError
	require.ErrorAs(t, err, &venueErr)
	assert.Equal(t, core.VenueLighter, venueErr.Venue)

	snap := app.tracker.Snapshot()
	assert.False(t, snap["LIGHTER"].Healthy)
}

func TestNewAdapterRefusesUnimplementedLiveVenue(t *testing.T) {
	vc := &config.VenueConfig{Mode: config.ModeLive, WalletAddress: "0xabc", PrivateKey: "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"}
	_, err := newAdapter(core.VenueAster, vc, &nopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no live adapter")
}

func TestNewAdapterBuildsHyperliquid(t *testing.T) {
	vc := &config.VenueConfig{
		Mode:       config.ModeLive,
		PrivateKey: "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	}
	adapter, err := newAdapter(core.VenueHyperliquid, vc, &nopLogger{})
	require.NoError(t, err)
	assert.Equal(t, core.VenueHyperliquid, adapter.Name())
}

func TestNewAdapterPaperModeIgnoresCredentials(t *testing.T) {
	adapter, err := newAdapter(core.VenueExtended, &config.VenueConfig{Mode: config.ModePaper}, &nopLogger{})
	require.NoError(t, err)
	assert.Equal(t, core.VenueExtended, adapter.Name())
}

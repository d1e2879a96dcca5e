package rideworker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rideworker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  origin: https://api.rides.example/
static:
  manifest:
    - /
    - /css/app.css
    - https://fonts.googleapis.com/css?family=Roboto
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "https://api.rides.example", cfg.Server.Origin, "trailing slash is trimmed")
	require.Equal(t, "rideshare-static-v1", cfg.StaticStore())
	require.Equal(t, "rideshare-dynamic-v1", cfg.DynamicStore())
	require.Equal(t, 50, cfg.Dynamic.MaxEntries)
	require.False(t, cfg.Install.Strict, "partial-success install is the default")
	require.Contains(t, cfg.Static.Extensions, ".woff2")
	require.Contains(t, cfg.Static.CDNHosts, "fonts.gstatic.com")
	require.Equal(t, "/api/", cfg.API.Prefix)
	require.Len(t, cfg.Static.Manifest, 3)
}

func TestLoadConfigRequiresOrigin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rideworker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigRejectsBadManifestEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rideworker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  origin: https://api.rides.example
static:
  manifest: ["css/app.css"]
`), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestStoreNamesFollowVersion(t *testing.T) {
	cfg := testConfig(t, "http://origin.test")
	cfg.Worker.Version = "v7"
	require.Equal(t, "rideshare-static-v7", cfg.StaticStore())
	require.Equal(t, "rideshare-dynamic-v7", cfg.DynamicStore())
}

func TestSubmitPathPerKind(t *testing.T) {
	cfg := testConfig(t, "http://origin.test")
	require.Equal(t, "/api/bookings", cfg.SubmitPath(TaskBooking))
	require.Equal(t, "/api/rides", cfg.SubmitPath(TaskRideOffer))
}

func TestSyncTags(t *testing.T) {
	require.Equal(t, SyncTagBookings, TaskBooking.SyncTag())
	require.Equal(t, SyncTagRides, TaskRideOffer.SyncTag())

	kind, ok := KindForTag(SyncTagRides)
	require.True(t, ok)
	require.Equal(t, TaskRideOffer, kind)
	_, ok = KindForTag("sync-unknown")
	require.False(t, ok)
}

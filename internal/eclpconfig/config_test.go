package eclpconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "eclpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalYAML = `
modules:
  - module_id: mod0
    ports:
      - port_id: port0
        interface: eth0
`

func TestLoad_defaults(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, minimalYAML)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, defaultTickInterval, cfg.GetTickInterval())
	require.Equal(t, defaultTimeoutInterval, cfg.GetTimeoutInterval())
	require.Equal(t, defaultLogLevel, cfg.GetLogLevel())
	require.Equal(t, defaultMetricsAddr, cfg.MetricsAddr)
	require.Equal(t, defaultControlAddr, cfg.ControlAddr)
}

func TestLoad_rejectsMissingModules(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, "modules: []\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_rejectsDuplicatePortID(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, `
modules:
  - module_id: mod0
    ports:
      - port_id: port0
        interface: eth0
      - port_id: port0
        interface: eth1
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_rejectsTimeoutNotGreaterThanTick(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Modules:         []ModuleConfig{{ModuleID: "m", Ports: []PortConfig{{PortID: "p", Interface: "eth0"}}}},
		TickInterval:    time.Second,
		TimeoutInterval: time.Second,
	}
	require.Error(t, cfg.Validate())
}

func TestReload_appliesTunablesAndNotifies(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(minimalYAML+"tick_interval: 2s\ntimeout_interval: 10s\nlog_level: debug\n"), 0o644))
	require.NoError(t, cfg.Reload())

	require.Equal(t, 2*time.Second, cfg.GetTickInterval())
	require.Equal(t, 10*time.Second, cfg.GetTimeoutInterval())
	require.Equal(t, "debug", cfg.GetLogLevel())

	select {
	case <-cfg.Changed():
	default:
		t.Fatal("expected a change notification")
	}
}

func TestReload_rejectsTopologyChange(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
modules:
  - module_id: mod0
    ports:
      - port_id: port1
        interface: eth1
`), 0o644))
	err = cfg.Reload()
	require.Error(t, err)
	require.Equal(t, "port0", cfg.Modules[0].Ports[0].PortID)
}

func TestSave_roundTrips(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	path2 := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path2, cfg))

	reloaded, err := Load(path2)
	require.NoError(t, err)
	require.Equal(t, cfg.Modules, reloaded.Modules)
}

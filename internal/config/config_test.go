package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
node_id_len: 8
links:
  - ifname: eth0
    multicast_group: 239.1.1.1
    port: 9200
    trickle_imin_ms: 200
    trickle_imax_ms: 5000
    trickle_k: 1
    keepalive_interval_ms: 30000
    keepalive_mult: 4.5
    rejoin_interval_ms: 15000
`

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ParsesLinks(t *testing.T) {
	t.Parallel()

	path := writeFile(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Links, 1)
	require.Equal(t, "eth0", cfg.Links[0].Interface)
	require.Equal(t, 8, cfg.NodeIDLen)
}

func TestLoad_DefaultsNodeIDLen(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "links: []\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.NodeIDLen)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLinkConfig_MulticastAddr(t *testing.T) {
	t.Parallel()

	lc := LinkConfig{Interface: "eth0", MulticastGroup: "239.1.1.1", Port: 9200}
	addr, err := lc.MulticastAddr()
	require.NoError(t, err)
	require.Equal(t, 9200, addr.Port)
	require.True(t, addr.IP.IsMulticast())
}

func TestLinkConfig_MulticastAddr_RejectsNonMulticast(t *testing.T) {
	t.Parallel()

	lc := LinkConfig{Interface: "eth0", MulticastGroup: "10.0.0.1", Port: 9200}
	_, err := lc.MulticastAddr()
	require.Error(t, err)
}

func TestLinkConfig_MulticastAddr_RejectsGarbage(t *testing.T) {
	t.Parallel()

	lc := LinkConfig{Interface: "eth0", MulticastGroup: "not-an-ip"}
	_, err := lc.MulticastAddr()
	require.Error(t, err)
}

func TestLinkConfig_DNCPLinkConf_ConvertsMillisToDurations(t *testing.T) {
	t.Parallel()

	lc := LinkConfig{
		TrickleIMinMS:       200,
		TrickleIMaxMS:       5000,
		TrickleK:            1,
		KeepaliveIntervalMS: 30000,
		KeepaliveMult:       4.5,
		RejoinIntervalMS:    15000,
	}
	conf := lc.DNCPLinkConf()
	require.Equal(t, 200*time.Millisecond, conf.TrickleIMin)
	require.Equal(t, 5*time.Second, conf.TrickleIMax)
	require.Equal(t, 1, conf.TrickleK)
	require.Equal(t, 30*time.Second, conf.KeepaliveInterval)
	require.Equal(t, 4.5, conf.KeepaliveMult)
	require.Equal(t, 15*time.Second, conf.RejoinInterval)
}

func TestLinkConfig_DNCPLinkConf_ZeroMillisLeaveZeroDuration(t *testing.T) {
	t.Parallel()

	lc := LinkConfig{}
	conf := lc.DNCPLinkConf()
	require.Zero(t, conf.TrickleIMin)
	require.Zero(t, conf.TrickleIMax)
}

func TestResolveNodeID_UsesConfiguredHex(t *testing.T) {
	t.Parallel()

	cfg := &Config{NodeID: "0102030405060708"}
	id, err := cfg.ResolveNodeID(filepath.Join(t.TempDir(), "identity"))
	require.NoError(t, err)
	require.Equal(t, "0102030405060708", id.String())
}

func TestResolveNodeID_FallsBackToIdentityFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identity")
	cfg := &Config{NodeIDLen: 8}

	first, err := cfg.ResolveNodeID(path)
	require.NoError(t, err)

	second, err := cfg.ResolveNodeID(path)
	require.NoError(t, err)
	require.Equal(t, first, second, "identity must persist across calls")
}

func TestLoadOrCreateIdentity_CreatesOnFirstRead(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "identity")
	id, err := LoadOrCreateIdentity(path, 8)
	require.NoError(t, err)
	require.NotEqual(t, "0000000000000000", id.String())

	reread, err := LoadOrCreateIdentity(path, 8)
	require.NoError(t, err)
	require.Equal(t, id, reread)
}

func TestLoadOrCreateIdentity_RejectsMalformedFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "not-hex-at-all")
	_, err := LoadOrCreateIdentity(path, 8)
	require.Error(t, err)
}

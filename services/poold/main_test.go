package poold

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"icopool/native/pool"
	"icopool/storage"
)

const poolTOML = `
PoolAddress = "0x00000000000000000000000000000000000000f0"
TokenAddress = "0x00000000000000000000000000000000000000f1"
Deployer = "0x00000000000000000000000000000000000000a1"
PoolManager = "0x00000000000000000000000000000000000000a2"
ICOManager = "0x00000000000000000000000000000000000000a3"
Paybot = "0x00000000000000000000000000000000000000a4"
MinimumFund = "1"
MinimumDeposit = "0.05"
`

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	poolPath := filepath.Join(dir, "pool.toml")
	require.NoError(t, os.WriteFile(poolPath, []byte(poolTOML), 0o600))
	cfg := Config{
		DataDir:        filepath.Join(dir, "data"),
		PoolConfigPath: poolPath,
		Genesis: GenesisConfig{
			Ether: map[string]string{investorAddr.Hex(): "5"},
			Token: map[string]string{icoAddr.Hex(): "1000"},
		},
	}
	applyDefaults(&cfg)
	require.NoError(t, validateConfig(cfg))
	return cfg
}

func TestOpenSeedsAndRestores(t *testing.T) {
	cfg := testConfig(t)

	app, err := Open(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, pool.PhaseDefault, app.Pool.State())
	require.Equal(t, ether(5), app.Ether.BalanceOf(investorAddr))
	require.Equal(t, ether(1000), app.Token.BalanceOf(icoAddr))

	h := &harness{t: t, handler: app.Server.Handler()}
	res := h.post("/v1/pool/state", managerAddr, map[string]string{"phase": "raising"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = h.post("/v1/pool/pay", investorAddr, map[string]string{"amount": ether(2).Dec()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	app.Close()

	reopened, err := Open(cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, pool.PhaseRaising, reopened.Pool.State())
	require.Equal(t, ether(2), reopened.Pool.TotalRaised())
	require.Equal(t, ether(3), reopened.Ether.BalanceOf(investorAddr), "genesis is not minted twice")
	require.Equal(t, ether(2), reopened.Ether.BalanceOf(poolAddr))
}

func TestOpenRejectsBadPoolConfig(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.PoolConfigPath, []byte("PoolAddress = \"nope\"\n"), 0o600))
	_, err := Open(cfg, nil)
	require.Error(t, err)
}

func TestOpenWritesGenesisMarkerWithSnapshot(t *testing.T) {
	cfg := testConfig(t)
	app, err := Open(cfg, nil)
	require.NoError(t, err)
	require.Zero(t, app.db.Pending(), "genesis mints land with the first snapshot")

	h := &harness{t: t, handler: app.Server.Handler()}
	res := h.post("/v1/token/approve", icoAddr, map[string]string{"spender": poolAddr.Hex(), "amount": ether(400).Dec()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Zero(t, app.db.Pending(), "approve is flushed as its own unit")
	app.Close()

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	require.NoError(t, err)
	_, err = db.Get(genesisKey)
	require.NoError(t, err)
	db.Close()

	reopened, err := Open(cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, ether(400), reopened.Token.Allowance(icoAddr, poolAddr))
	require.Equal(t, ether(1000), reopened.Token.BalanceOf(icoAddr))
}

func TestOpenRefusesGenesisWithoutSnapshot(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0o755))
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	require.NoError(t, err)
	require.NoError(t, db.Put(genesisKey, []byte{1}))
	db.Close()

	_, err = Open(cfg, nil)
	require.ErrorContains(t, err, "genesis minted without a pool snapshot")
}

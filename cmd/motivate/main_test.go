package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChinmayGopal931/Motivate-app/pkg/api"
	"github.com/ChinmayGopal931/Motivate-app/pkg/auth"
	"github.com/ChinmayGopal931/Motivate-app/pkg/config"
	"github.com/ChinmayGopal931/Motivate-app/pkg/escrow"
	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/ChinmayGopal931/Motivate-app/pkg/snapshot"
	"github.com/ChinmayGopal931/Motivate-app/pkg/transfer"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"motivate"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunDispatch(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()
	started := 0
	startServer = func(io.Writer, io.Writer) int {
		started++
		return 0
	}

	code, _, _ := run()
	assert.Equal(t, 0, code)
	code, _, _ = run("serve")
	assert.Equal(t, 0, code)
	code, _, _ = run("--port=9000")
	assert.Equal(t, 0, code)
	assert.Equal(t, 3, started)

	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "snapshot")

	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")

	code, _, _ = run("")
	assert.Equal(t, 2, code)
	assert.Equal(t, 3, started)
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("MOTIVATE_SECRET", "cli-secret")

	code, out, _ := run("token", "--sub", "0xA", "--owner")
	require.Equal(t, 0, code)

	ks, err := auth.NewKeySet([]byte("cli-secret"))
	require.NoError(t, err)
	claims, err := auth.NewValidator(ks).Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "0xA", claims.Subject)
	assert.Equal(t, []string{auth.RoleOwner}, claims.Roles)

	code, _, _ = run("token")
	assert.Equal(t, 2, code)

	t.Setenv("MOTIVATE_SECRET", "")
	code, _, errOut := run("token", "--sub", "0xA")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "MOTIVATE_SECRET")
}

// writeSnapshot saves a snapshot holding one 1500-unit promise and returns
// its path.
func writeSnapshot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	e := escrow.New("0xOWNER", transfer.NewMemory())
	_, err := e.CreatePromise(context.Background(), escrow.CreateRequest{
		Task: "swim", Amount: 1500, Verifier: "0xB", Deadline: 1_700_000_000, AttachedValue: 1500, Creator: "0xA",
	})
	require.NoError(t, err)

	store, err := snapshot.NewFileStore(dir, 5)
	require.NoError(t, err)
	doc, err := snapshot.New(e, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), doc))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return filepath.Join(dir, entries[0].Name())
}

func TestSnapshotVerifyCmd(t *testing.T) {
	path := writeSnapshot(t)

	code, out, _ := run("snapshot", "verify", "--file", path)
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "PASSED")
	assert.Contains(t, out, "1 (1 pending)")

	code, out, _ = run("snapshot", "verify", "--file", path, "--json")
	require.Equal(t, 0, code)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, true, res["valid"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"locked_funds":1500`), []byte(`"locked_funds":1499`), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	code, out, _ = run("snapshot", "verify", "--file", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAILED")

	code, _, _ = run("snapshot")
	assert.Equal(t, 2, code)
}

func TestInspectCmd(t *testing.T) {
	path := writeSnapshot(t)

	code, out, _ := run("inspect", "--file", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "0xA")
	assert.Contains(t, out, "1,500")
	assert.Contains(t, out, "TOTAL")

	code, _, _ = run("inspect")
	assert.Equal(t, 2, code)
}

func TestPromiseAndHealthCmds(t *testing.T) {
	ks, err := auth.NewKeySet([]byte("promise-cmd"))
	require.NoError(t, err)
	payouts := transfer.NewMemory()
	engine := escrow.New("0xOWNER", payouts)
	s, err := api.NewServer(engine, auth.NewValidator(ks))
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	tok := func(a ledger.Address) string {
		v, err := auth.Issue(context.Background(), ks, a, nil, time.Hour)
		require.NoError(t, err)
		return v
	}

	code, out, errOut := run("promise", "create", "--url", srv.URL, "--token", tok("0xA"),
		"--task", "write tests", "--amount", "30", "--verifier", "0xB", "--deadline", "2h")
	require.Equal(t, 0, code, errOut)
	assert.JSONEq(t, `{"id":0}`, out)

	code, out, _ = run("promise", "get", "--url", srv.URL, "--token", tok("0xB"), "--id", "0")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "write tests")

	code, _, errOut = run("promise", "resolve", "--url", srv.URL, "--token", tok("0xC"), "--id", "0")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Unauthorized")

	code, out, _ = run("promise", "resolve", "--url", srv.URL, "--token", tok("0xB"), "--id", "0")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"recipient": "0xA"`)
	assert.Equal(t, int64(30), payouts.Balance("0xA"))

	code, out, _ = run("health", "--url", srv.URL)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "OK (1 promises")

	code, _, _ = run("promise", "explode", "--url", srv.URL)
	assert.Equal(t, 2, code)
}

func TestParseDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	d, err := parseDeadline("1700000000", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), d)

	d, err = parseDeadline("90s", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1090), d)

	_, err = parseDeadline("tomorrow", now)
	assert.Error(t, err)
}

func TestLoadEngineRestoresLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	store, err := snapshot.NewFileStore(t.TempDir(), 5)
	require.NoError(t, err)
	cfg := &config.Config{Owner: "0xOWNER", VerifierCleanup: "verifier"}

	e, err := loadEngine(ctx, cfg, store, transfer.NewMemory(), nil, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 0, e.Length())

	_, err = e.CreatePromise(ctx, escrow.CreateRequest{
		Task: "t", Amount: 5, Verifier: "0xB", Deadline: 10, AttachedValue: 5, Creator: "0xA",
	})
	require.NoError(t, err)
	saved, err := snapshot.NewScheduler(e, store, 0, nil).SaveNow(ctx)
	require.NoError(t, err)
	require.True(t, saved)

	restored, err := loadEngine(ctx, cfg, store, transfer.NewMemory(), nil, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Length())
	assert.Equal(t, int64(5), restored.LockedFunds("0xA"))
	assert.Equal(t, e.Head(), restored.Head())

	cfg.VerifierCleanup = "sideways"
	_, err = loadEngine(ctx, cfg, store, transfer.NewMemory(), nil, slog.Default())
	assert.Error(t, err)
}

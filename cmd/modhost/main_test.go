package main

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/modhost/internal/plugin"
)

// cliEnv is a configuration directory with a quiet, keyring-free config.
type cliEnv struct {
	t   *testing.T
	dir string
}

func newCLIEnv(t *testing.T, extra string) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := "[log]\nlevel = \"error\"\n\n[repository]\nkeyring_service = \"\"\n" + extra
	require.NoError(t, os.WriteFile(filepath.Join(dir, "modhost.toml"), []byte(cfg), 0o644))
	return &cliEnv{t: t, dir: dir}
}

func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	out, _, err := e.exec(args...)
	return out, err
}

// exec runs the CLI and returns stdout and stderr separately.
func (e *cliEnv) exec(args ...string) (string, string, error) {
	e.t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--dir", e.dir}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, out)
	return out
}

func (e *cliEnv) packages() string {
	return filepath.Join(e.dir, "packages")
}

func luaManifest(ns, version, extra string) string {
	return `{"manifest_version":1,"name":"` + ns + `","namespace":"` + ns + `","version":"` + version + `","package":"main.lua"` + extra + `}`
}

func (e *cliEnv) writePackage(ns, manifest string) {
	e.t.Helper()
	pkg := filepath.Join(e.packages(), ns)
	require.NoError(e.t, os.MkdirAll(pkg, 0o755))
	require.NoError(e.t, os.WriteFile(filepath.Join(pkg, plugin.ManifestFile), []byte(manifest), 0o644))
	require.NoError(e.t, os.WriteFile(filepath.Join(pkg, "main.lua"), []byte("return {}"), 0o644))
}

func listModules(t *testing.T, e *cliEnv) []plugin.ModuleInfo {
	t.Helper()
	var mods []plugin.ModuleInfo
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("list", "-o", "json")), &mods))
	return mods
}

func TestConfigInitAndShow(t *testing.T) {
	dir := t.TempDir()
	e := &cliEnv{t: t, dir: dir}

	out := e.mustRun("config", "init")
	assert.Contains(t, out, filepath.Join(dir, "modhost.toml"))
	assert.FileExists(t, filepath.Join(dir, "modhost.toml"))

	_, err := e.run("config", "init")
	assert.Error(t, err)
	e.mustRun("config", "init", "--force")

	out = e.mustRun("config", "show")
	assert.Contains(t, out, "namespace: modhost.core")
	assert.Contains(t, out, "poll_interval: 1h0m0s")
}

func TestListEnableDisable(t *testing.T) {
	e := newCLIEnv(t, "")
	assert.Contains(t, e.mustRun("list"), "no modules installed")

	e.writePackage("demo.one", luaManifest("demo.one", "1.2.0", ""))
	out := e.mustRun("list")
	assert.Contains(t, out, "NAMESPACE")
	assert.Contains(t, out, "demo.one")

	assert.Equal(t, "enabled demo.one 1.2.0\n", e.mustRun("enable", "demo.one"))
	mods := listModules(t, e)
	require.Len(t, mods, 1)
	assert.True(t, mods[0].Enabled)

	assert.Equal(t, "disabled demo.one\n", e.mustRun("disable", "demo.one"))
	assert.False(t, listModules(t, e)[0].Enabled)

	_, err := e.run("enable", "missing.mod")
	assert.ErrorIs(t, err, plugin.ErrModuleNotFound)
}

func TestEnablePermissions(t *testing.T) {
	e := newCLIEnv(t, "")
	e.writePackage("demo.net", luaManifest("demo.net", "1.0.0", `,"api_permissions":{"network":{"details":"sync"},"clipboard":{"optional":true}}`))

	out := e.mustRun("permissions", "demo.net")
	assert.Contains(t, out, "Network Access")
	assert.Contains(t, out, "sync")
	assert.Contains(t, out, "Clipboard Access")

	_, stderr, err := e.exec("enable", "demo.net")
	assert.ErrorIs(t, err, plugin.ErrPermissionDenied)
	assert.Contains(t, stderr, "network (Network Access, high risk): sync")
	assert.NotContains(t, stderr, "clipboard")

	_, err = e.run("enable", "demo.net", "--grant", "netwrok")
	assert.ErrorContains(t, err, `unknown capability "netwrok"`)

	e.mustRun("enable", "demo.net", "--grant", "network")
	mods := listModules(t, e)
	assert.True(t, mods[0].Enabled)
	assert.Equal(t, []string{"network"}, mods[0].Permissions)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("permissions", "demo.net", "-o", "json")), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "network", rows[0]["capability"])
	assert.Equal(t, true, rows[0]["approved"])
	assert.Equal(t, "high", rows[0]["risk"])
}

func TestDepsAndIgnore(t *testing.T) {
	e := newCLIEnv(t, "")
	e.writePackage("demo.app", luaManifest("demo.app", "1.0.0", `,"dependencies":{"modhost.core":"^1.0.0","demo.lib":"^2.0.0"}`))

	out := e.mustRun("deps", "demo.app", "-o", "yaml")
	assert.Contains(t, out, "namespace: modhost.core")
	assert.Contains(t, out, "status: available")
	assert.Contains(t, out, "status: not found")

	_, err := e.run("enable", "demo.app")
	assert.ErrorIs(t, err, plugin.ErrDependencyUnsatisfied)

	e.mustRun("enable", "demo.app", "--ignore-deps")
	assert.True(t, listModules(t, e)[0].Enabled)
}

func TestUninstall(t *testing.T) {
	e := newCLIEnv(t, "")
	e.writePackage("demo.gone", luaManifest("demo.gone", "1.0.0", ""))

	assert.Equal(t, "uninstalled demo.gone\n", e.mustRun("uninstall", "demo.gone"))
	assert.NoDirExists(t, filepath.Join(e.packages(), "demo.gone"))
	assert.Empty(t, listModules(t, e))
}

func buildPackage(t *testing.T, ns, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		plugin.ManifestFile: luaManifest(ns, version, ""),
		"main.lua":          "return {}",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestUpdatesInstallAck(t *testing.T) {
	pkg := buildPackage(t, "demo.one", "1.3.0")
	sum := sha256.Sum256(pkg)

	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"packages":[{"name":"demo.one","namespace":"demo.one","version":"1.3.0","package":"main.lua","download_url":"demo.one-1.3.0.zip","checksum":"` + hex.EncodeToString(sum[:]) + `"}]}`))
	})
	mux.HandleFunc("/demo.one-1.3.0.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pkg)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e := newCLIEnv(t, "index_urls = [\""+srv.URL+"/index.json\"]\n")
	e.writePackage("demo.one", luaManifest("demo.one", "1.2.0", ""))
	e.mustRun("enable", "demo.one")

	out := e.mustRun("updates")
	assert.Contains(t, out, "demo.one")
	assert.Contains(t, out, "1.3.0")

	assert.Equal(t, "installed demo.one 1.3.0\n", e.mustRun("install", "demo.one"))
	mods := listModules(t, e)
	require.Len(t, mods, 1)
	assert.Equal(t, "1.3.0", mods[0].Version)
	assert.True(t, mods[0].Enabled)
	assert.Contains(t, e.mustRun("updates"), "no updates")

	_, err := e.run("install", "unknown.mod")
	assert.Error(t, err)

	assert.Equal(t, "acknowledged demo.one@1.4.0\n", e.mustRun("ack", "demo.one", "1.4.0"))
}

func TestUpdatesWithoutIndex(t *testing.T) {
	e := newCLIEnv(t, "")
	_, err := e.run("updates")
	assert.Error(t, err)
}

func TestUnknownOutputFormat(t *testing.T) {
	e := newCLIEnv(t, "")
	_, err := e.run("list", "-o", "xml")
	assert.Error(t, err)
}

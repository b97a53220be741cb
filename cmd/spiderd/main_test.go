package main

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spiderdock/spiderd/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func writeTestConfig(t *testing.T, root string) string {
	t.Helper()
	path := filepath.Join(root, "spiderd.yaml")
	body := "catalogRootDir: " + filepath.Join(root, "catalog") + "\n" +
		"packagesRootDir: " + filepath.Join(root, "packages") + "\n" +
		"containersRootDir: " + filepath.Join(root, "containers") + "\n" +
		"dataRootDir: " + filepath.Join(root, "data") + "\n" +
		"logLevel: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func buildCLITestArchive(t *testing.T, root string) string {
	t.Helper()
	archivePath := filepath.Join(root, "demo.zip")

	f, err := os.Create(archivePath)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("compose.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{
		"infos": {"name": "demo", "tag": "latest", "author": "a", "desc": "d"},
		"runtimes": {"entry": "main", "daemon": false, "envs": {}, "dependencies": []},
		"schedules": {"cron": ""}
	}`))
	require.NoError(t, err)
	w, err = zw.Create("main.so")
	require.NoError(t, err)
	_, err = w.Write([]byte("not a real plugin\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return archivePath
}

// runCLI executes rootCmd with args against the package-level Manager (built lazily by
// requireManager from whatever cfgFile currently points at) and returns what the command wrote
// to stdout. Tests that want a shared Manager across several invocations set cfgFile once and
// call runCLI repeatedly; tests that want an isolated Manager set cfgFile to a fresh temp config
// first.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd.SetArgs(args)

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	runErr := rootCmd.Execute()

	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)

	return buf.String(), runErr
}

func TestLoadThenPackagesListsPackage(t *testing.T) {
	mgr = nil
	cfgFile = writeTestConfig(t, t.TempDir())
	root := filepath.Dir(cfgFile)
	archivePath := buildCLITestArchive(t, root)
	t.Cleanup(func() {
		if mgr != nil {
			_ = mgr.Close()
			mgr = nil
		}
	})

	out, err := runCLI(t, "load", archivePath)
	require.NoError(t, err)
	require.Contains(t, out, "Loaded demo:latest")

	out, err = runCLI(t, "packages")
	require.NoError(t, err)
	require.Contains(t, out, "demo")
	require.Contains(t, out, "latest")
}

func TestLoadThenRmiRemovesPackage(t *testing.T) {
	mgr = nil
	cfgFile = writeTestConfig(t, t.TempDir())
	root := filepath.Dir(cfgFile)
	archivePath := buildCLITestArchive(t, root)
	t.Cleanup(func() {
		if mgr != nil {
			_ = mgr.Close()
			mgr = nil
		}
	})

	_, err := runCLI(t, "load", archivePath)
	require.NoError(t, err)

	_, err = runCLI(t, "rmi", "demo:latest")
	require.NoError(t, err)

	out, err := runCLI(t, "packages")
	require.NoError(t, err)
	require.NotContains(t, out, "demo")
}

func TestPsEmptyByDefault(t *testing.T) {
	mgr = nil
	cfgFile = writeTestConfig(t, t.TempDir())
	t.Cleanup(func() {
		if mgr != nil {
			_ = mgr.Close()
			mgr = nil
		}
	})

	out, err := runCLI(t, "ps")
	require.NoError(t, err)
	require.Contains(t, out, "CONTAINER ID")
}

func TestRunRequiresExactlyOneArg(t *testing.T) {
	mgr = nil
	cfgFile = writeTestConfig(t, t.TempDir())
	t.Cleanup(func() {
		if mgr != nil {
			_ = mgr.Close()
			mgr = nil
		}
	})

	_, err := runCLI(t, "run")
	require.Error(t, err)
}

func TestRmiUnknownPackageErrors(t *testing.T) {
	mgr = nil
	cfgFile = writeTestConfig(t, t.TempDir())
	t.Cleanup(func() {
		if mgr != nil {
			_ = mgr.Close()
			mgr = nil
		}
	})

	_, err := runCLI(t, "rmi", "nope:latest")
	require.Error(t, err)
}

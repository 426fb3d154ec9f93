package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testServerConfig = `{
	// trailing comments are allowed, since the config file is JSONC
	"cluster_name": "test-cluster",
	"test_server": true,
	"reconnect_interval": 1000000000,
	"slow_task_logging_threshold": 1000000000,
	"ack_timeout": 1000000000
}`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	require.NoError(t, ioutil.WriteFile(path, []byte(testServerConfig), 0o644))
	return path
}

func TestRunRejectsMalformedArgs(t *testing.T) {
	r := &runner{}
	err := r.run([]string{"-conf", "foo.json"}, false)
	require.Error(t, err)

	err = r.run([]string{"-x", "foo.json", "-node", "0"}, false)
	require.Error(t, err)
}

func TestRunRejectsNonNumericNodeID(t *testing.T) {
	r := &runner{}
	err := r.run([]string{"-conf", "foo.json", "-node", "not-a-number"}, false)
	require.Error(t, err)
}

func TestRunRejectsMissingConfigFile(t *testing.T) {
	r := &runner{}
	err := r.run([]string{"-conf", "/nonexistent/path.json", "-node", "0"}, false)
	require.Error(t, err)
}

func TestRunBuildsTestServerWithoutStarting(t *testing.T) {
	path := writeTestConfig(t)
	r := &runner{}
	require.NoError(t, r.run([]string{"-conf", path, "-node", "0"}, false))
	require.NotNil(t, r.service)
	require.Equal(t, "0", r.service.LocalNode().ID)
}

func TestRunBuildsAndStartsTestServer(t *testing.T) {
	path := writeTestConfig(t)
	r := &runner{}
	require.NoError(t, r.run([]string{"-conf", path, "-node", "0"}, true))
	require.NotNil(t, r.service)
	t.Cleanup(func() { _ = r.service.Stop() })

	require.False(t, r.service.IsMaster())
}

func TestRunRejectsInvalidConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.jsonc")
	// cluster_name deliberately omitted, which Validate rejects.
	require.NoError(t, ioutil.WriteFile(path, []byte(`{"test_server": true}`), 0o644))

	r := &runner{}
	err := r.run([]string{"-conf", path, "-node", "0"}, false)
	require.Error(t, err)
}

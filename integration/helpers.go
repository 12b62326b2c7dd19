//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeSuite is a stand-in for the Maven build. It writes one JUnit report
// and fails the regression profile.
const fakeSuite = `#!/bin/sh
mkdir -p target/surefire-reports
f=0
case "$*" in
  *-Pregression*) f=1 ;;
esac
failure=""
if [ "$f" = 1 ]; then
  failure='<failure message="expected error banner">AssertionError</failure>'
fi
cat > target/surefire-reports/TEST-LoginTest.xml <<EOF
<testsuite name="LoginTest" tests="2" failures="$f" errors="0" skipped="0" time="1.5">
  <testcase classname="LoginTest" name="validLogin" time="0.5"/>
  <testcase classname="LoginTest" name="invalidLogin" time="1.0">$failure</testcase>
</testsuite>
EOF
echo "[INFO] BUILD DONE"
exit $f
`

// FrameworkDir creates a framework checkout holding the fake suite script
func FrameworkDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "framework")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create framework dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run-suite.sh"), []byte(fakeSuite), 0755); err != nil {
		t.Fatalf("Failed to write suite script: %v", err)
	}
	return dir
}

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "sessions.db")
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.toml")
}

// WriteConfig writes a config running the fake suite from frameworkDir.
// extra is appended verbatim.
func WriteConfig(t *testing.T, frameworkDir, extra string) string {
	t.Helper()
	configPath := TempConfigPath(t)

	var b strings.Builder
	b.WriteString(`[runner]
framework_path = "` + frameworkDir + `"
executable = "sh"
base_args = ["run-suite.sh"]
extra_args = []
timeout_minutes = 1
max_concurrent_runs = 1
max_queue_size = 2
default_env = "dev"

[bot]
valid_envs = ["dev", "staging", "prod"]
sessions_db = "` + TempDBPath(t) + `"
allowed_chat_ids = [1]
`)
	b.WriteString(extra)

	if err := os.WriteFile(configPath, []byte(b.String()), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

//go:build e2e

package e2e

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// tablestageServer manages a running tablestage server process.
type tablestageServer struct {
	cmd     *exec.Cmd
	env     []string
	address string
}

// startTablestage launches the binary in serve mode and waits for it to
// become healthy. Configuration is passed entirely via environment.
func startTablestage(t *testing.T, dataDir string) *tablestageServer {
	t.Helper()

	if tablestageBin == "" {
		t.Skip("tablestage binary not available (set TABLESTAGE_BIN or add to PATH)")
	}

	port := freePort(t)
	s := &tablestageServer{
		address: fmt.Sprintf("127.0.0.1:%d", port),
		env: append(os.Environ(),
			fmt.Sprintf("TABLESTAGE_PORT=%d", port),
			"TABLESTAGE_METADATA_PATH="+filepath.Join(dataDir, "metadata.db"),
			"TABLESTAGE_STORAGE_ROOT="+filepath.Join(dataDir, "tables"),
			"TABLESTAGE_API_KEY="+apiKey,
			"TABLESTAGE_CONFIG_PATH="+filepath.Join(dataDir, "nonexistent.yaml"),
			"TABLESTAGE_LOG_LEVEL=warn",
		),
	}

	logFile, err := os.Create(filepath.Join(dataDir, "tablestage.log"))
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}

	s.cmd = exec.Command(tablestageBin)
	s.cmd.Env = s.env
	s.cmd.Stdout = logFile
	s.cmd.Stderr = logFile
	if err := s.cmd.Start(); err != nil {
		logFile.Close()
		t.Fatalf("start tablestage: %v", err)
	}

	t.Cleanup(func() {
		s.stop()
		logFile.Close()
	})

	if err := s.waitHealthy(10 * time.Second); err != nil {
		t.Fatalf("tablestage not healthy: %v", err)
	}
	return s
}

func (s *tablestageServer) stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		_ = s.cmd.Wait()
	}
}

func (s *tablestageServer) baseURL() string {
	return fmt.Sprintf("http://%s/api/v1", s.address)
}

// run executes a CLI subcommand with the server's environment.
func (s *tablestageServer) run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := exec.Command(tablestageBin, args...)
	cmd.Env = s.env
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("tablestage %v: %v\n%s", args, err, out)
	}
	return string(out)
}

func (s *tablestageServer) waitHealthy(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.baseURL() + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("not healthy after %s", timeout)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

package e2e

import (
	"os"
	"os/exec"
	"testing"
)

var tablestageBin string

func TestMain(m *testing.M) {
	tablestageBin = envOrLookPath("TABLESTAGE_BIN", "tablestage")
	os.Exit(m.Run())
}

func envOrLookPath(envVar, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

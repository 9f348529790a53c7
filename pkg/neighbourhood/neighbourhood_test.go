package neighbourhood

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/olafproto/relay/pkg/crypto"
)

func writeTestKey(t *testing.T, dir, host, port string) {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	path := filepath.Join(dir, host+"_"+port+"_public_key.pem")
	if err := os.WriteFile(path, kp.PublicPEM, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadAllowsConfiguredAddresses(t *testing.T) {
	dir := t.TempDir()
	writeTestKey(t, dir, "10.0.0.1", "8081")

	m, err := Load(dir, []string{"10.0.0.1:8081"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !m.Allowed("10.0.0.1:8081") {
		t.Fatal("configured address should be allowed")
	}
	if m.Allowed("10.0.0.2:8081") {
		t.Fatal("unconfigured address should not be allowed")
	}
}

func TestLoadFailsOnMissingKeyFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, []string{"10.0.0.1:8081"}); err == nil {
		t.Fatal("Load should fail when a neighbour's key file is missing")
	}
}

func TestLoadStripsScheme(t *testing.T) {
	dir := t.TempDir()
	writeTestKey(t, dir, "10.0.0.1", "8081")

	if _, err := Load(dir, []string{"ws://10.0.0.1:8081"}); err != nil {
		t.Fatalf("Load with ws:// prefix: %v", err)
	}
}

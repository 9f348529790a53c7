package idpersist

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateCreatesThenReuses(t *testing.T) {
	dir := t.TempDir()

	kp1, err := LoadOrGenerate(dir, "localhost", 9000)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}

	privPath := filepath.Join(dir, "localhost_9000_private_key.pem")
	pubPath := filepath.Join(dir, "localhost_9000_public_key.pem")
	for _, p := range []string{privPath, pubPath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected %s to exist: %v", p, err)
		}
	}

	kp2, err := LoadOrGenerate(dir, "localhost", 9000)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if kp1.Private.N.Cmp(kp2.Private.N) != 0 {
		t.Fatal("second call regenerated a keypair instead of loading the persisted one")
	}
}

func TestLoadOrGenerateDistinctPerAddress(t *testing.T) {
	dir := t.TempDir()

	a, err := LoadOrGenerate(dir, "localhost", 9000)
	if err != nil {
		t.Fatalf("LoadOrGenerate a: %v", err)
	}
	b, err := LoadOrGenerate(dir, "localhost", 9001)
	if err != nil {
		t.Fatalf("LoadOrGenerate b: %v", err)
	}
	if a.Private.N.Cmp(b.Private.N) == 0 {
		t.Fatal("distinct host:port pairs produced the same key")
	}
}

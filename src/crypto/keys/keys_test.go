package keys

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDumpParse(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParsePrivateKey(DumpPrivateKey(key))
	if err != nil {
		t.Fatal(err)
	}

	if parsed.D.Cmp(key.D) != 0 {
		t.Fatalf("D mismatch")
	}
	if NodeID(parsed) != NodeID(key) {
		t.Fatalf("node ids differ: %s, %s", NodeID(parsed), NodeID(key))
	}
	if !strings.HasPrefix(NodeID(key), "0X04") {
		t.Fatalf("node id should be an uncompressed point, got %s", NodeID(key))
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := ParsePrivateKey([]byte{1, 2, 3}); err == nil {
		t.Fatal("short key should fail")
	}
	if _, err := ParsePrivateKey(make([]byte, 32)); err == nil {
		t.Fatal("zero key should fail")
	}
}

func TestKeyfile(t *testing.T) {
	kf := NewKeyfile(filepath.Join(t.TempDir(), "keys", "priv_key"))

	key, created, err := kf.LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new key")
	}

	again, created, err := kf.LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected the existing key")
	}
	if NodeID(again) != NodeID(key) {
		t.Fatalf("reloaded key differs")
	}
}

package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const yamlProfile = `
name: test-network-org1
version: 1.0.0
client:
  organization: Org1
peers:
  peer0.org1.example.com:
    url: grpcs://localhost:7051
certificateAuthorities:
  ca.org1.example.com:
    url: https://localhost:7054
    caName: ca-org1
    tlsCACerts:
      pem:
        - |
          -----BEGIN CERTIFICATE-----
          MIIB
          -----END CERTIFICATE-----
`

const jsonProfile = "{\n\t\"name\": \"test-network-org1\",\n\t\"peers\": {\"peer0.org1.example.com\": {\"url\": \"grpcs://localhost:7051\"}},\n" +
	"\t\"certificateAuthorities\": {\"ca.org1.example.com\": {\"url\": \"https://localhost:7054\", \"caName\": \"ca-org1\", " +
	"\"tlsCACerts\": {\"pem\": \"-----BEGIN CERTIFICATE-----\\nMIIB\\n-----END CERTIFICATE-----\\n\"}}}\n}\n"

func TestLoadProfileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connection-org1.yaml")
	if err := os.WriteFile(path, []byte(yamlProfile), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Format != "yaml" || p.Name != "test-network-org1" {
		t.Fatalf("unexpected profile %q/%q", p.Format, p.Name)
	}
	ca, err := p.CA("ca.org1.example.com")
	if err != nil {
		t.Fatalf("ca: %v", err)
	}
	if ca.URL != "https://localhost:7054" || ca.CAName != "ca-org1" {
		t.Fatalf("unexpected ca %+v", ca)
	}
	if len(ca.TLSCACerts) != 1 || !strings.Contains(ca.TLSCACerts[0], "BEGIN CERTIFICATE") {
		t.Fatalf("unexpected tls certs %v", ca.TLSCACerts)
	}
}

func TestLoadProfileJSONWithTabs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connection-org1.json")
	if err := os.WriteFile(path, []byte(jsonProfile), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Format != "json" || string(p.Raw) != jsonProfile {
		t.Fatal("json profile must keep its raw bytes and format")
	}
	ca, err := p.CA("ca.org1.example.com")
	if err != nil {
		t.Fatalf("ca: %v", err)
	}
	if len(ca.TLSCACerts) != 1 {
		t.Fatalf("expected single pem string, got %v", ca.TLSCACerts)
	}
	if _, err := p.CA("ca.org2.example.com"); err == nil {
		t.Fatal("expected error for unknown ca")
	}
}

func TestParseProfileRejectsBadInput(t *testing.T) {
	if _, err := ParseProfile([]byte(`name: x`), "yaml"); err == nil {
		t.Fatal("expected error for profile without peers")
	}
	if _, err := ParseProfile([]byte(`{`), "json"); err == nil {
		t.Fatal("expected json parse error")
	}
	if _, err := ParseProfile([]byte(yamlProfile), "toml"); err == nil {
		t.Fatal("expected unsupported format error")
	}
	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestNewFabricDialerNeedsProfile(t *testing.T) {
	if _, err := NewFabricDialer(Profile{}, 0, false); err == nil {
		t.Fatal("expected error for empty profile")
	}
}

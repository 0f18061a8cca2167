package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is the network connection profile, read once at startup and
// shared read-only by every session.
type Profile struct {
	Name                   string
	Format                 string // json or yaml, as the Fabric SDK config loader expects
	Raw                    []byte
	CertificateAuthorities map[string]CertificateAuthority
}

type CertificateAuthority struct {
	URL        string
	CAName     string
	TLSCACerts []string
}

type profileDoc struct {
	Name                   string                    `yaml:"name"`
	Peers                  map[string]any            `yaml:"peers"`
	CertificateAuthorities map[string]profileCAEntry `yaml:"certificateAuthorities"`
}

type profileCAEntry struct {
	URL        string `yaml:"url"`
	CAName     string `yaml:"caName"`
	TLSCACerts struct {
		PEM yaml.Node `yaml:"pem"`
	} `yaml:"tlsCACerts"`
}

func LoadProfile(path string) (Profile, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Profile{}, fmt.Errorf("read connection profile: %w", err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseProfile(raw, format)
}

// ParseProfile accepts JSON or YAML. JSON is re-encoded as YAML first since
// tab-indented JSON is not valid YAML.
func ParseProfile(raw []byte, format string) (Profile, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	src := raw
	switch format {
	case "yaml":
	case "json":
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return Profile{}, fmt.Errorf("parse connection profile: %w", err)
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return Profile{}, err
		}
		src = out
	default:
		return Profile{}, fmt.Errorf("unsupported connection profile format %q", format)
	}
	var doc profileDoc
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return Profile{}, fmt.Errorf("parse connection profile: %w", err)
	}
	if len(doc.Peers) == 0 {
		return Profile{}, errors.New("connection profile lists no peers")
	}
	p := Profile{
		Name:                   doc.Name,
		Format:                 format,
		Raw:                    append([]byte(nil), raw...),
		CertificateAuthorities: map[string]CertificateAuthority{},
	}
	for name, entry := range doc.CertificateAuthorities {
		pems, err := decodePEMs(entry.TLSCACerts.PEM)
		if err != nil {
			return Profile{}, fmt.Errorf("certificate authority %s: %w", name, err)
		}
		p.CertificateAuthorities[name] = CertificateAuthority{
			URL:        entry.URL,
			CAName:     entry.CAName,
			TLSCACerts: pems,
		}
	}
	return p, nil
}

// CA looks up a certificate authority entry by its key in the profile.
func (p Profile) CA(name string) (CertificateAuthority, error) {
	ca, ok := p.CertificateAuthorities[name]
	if !ok {
		return CertificateAuthority{}, fmt.Errorf("certificate authority %q not in connection profile", name)
	}
	if strings.TrimSpace(ca.URL) == "" {
		return CertificateAuthority{}, fmt.Errorf("certificate authority %q has no url", name)
	}
	return ca, nil
}

// pem is a single string in generated profiles and a list in hand-written ones.
func decodePEMs(n yaml.Node) ([]string, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if strings.TrimSpace(n.Value) == "" {
			return nil, nil
		}
		return []string{n.Value}, nil
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, errors.New("tlsCACerts.pem must be a string or a list")
	}
}

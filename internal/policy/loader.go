package policy

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxPolicyFileSize = 1024 * 1024

// File is the on-disk policy document:
//
//	rules:
//	  - role: analyst
//	    sensitivity: high
//	    budget: "*"
//	    models: [big-reasoner]
//	    tools: [crm.lookup]
type File struct {
	Rules []Rule `koanf:"rules"`
}

// Parse decodes a YAML policy document.
func Parse(content []byte) ([]Rule, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parsing policy: %w", err)
	}
	var f File
	if err := k.Unmarshal("", &f); err != nil {
		return nil, fmt.Errorf("decoding policy: %w", err)
	}
	return f.Rules, nil
}

// LoadFile reads and parses a policy file.
func LoadFile(path string) ([]Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("policy file: %w", err)
	}
	if info.Size() > maxPolicyFileSize {
		return nil, fmt.Errorf("policy file too large: %d bytes", info.Size())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(content)
}

// ReloadFile parses path and swaps it into s.
func (s *Store) ReloadFile(path string) error {
	rules, err := LoadFile(path)
	if err != nil {
		return err
	}
	return s.Reload(rules)
}

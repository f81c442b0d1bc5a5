package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RulePack is a YAML file of extra deny rules, e.g.
//
//	name: no-network
//	deniedPatterns: ['\bnc\s+-l']
//	bash:
//	  denied: [curl, nc]
//	powershell:
//	  denied: [Invoke-RestMethod]
//
// Packs only tighten policy; allow entries are ignored.
type RulePack struct {
	Name           string      `yaml:"name"`
	Description    string      `yaml:"description"`
	DeniedPatterns []string    `yaml:"deniedPatterns"`
	Bash           ShellPolicy `yaml:"bash"`
	PowerShell     ShellPolicy `yaml:"powershell"`
}

// LoadRulePacks loads every .yaml/.yml file in dir, in name order.
// A missing directory yields no packs. A malformed pack is an error: a
// silently skipped deny rule would loosen policy.
func LoadRulePacks(dir string) ([]RulePack, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rule packs dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	packs := make([]RulePack, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rule pack %s: %w", path, err)
		}

		var pack RulePack
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("parse rule pack %s: %w", path, err)
		}
		if pack.Name == "" {
			pack.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		packs = append(packs, pack)
	}
	return packs, nil
}

// ApplyRulePacks merges the deny rules of packs into cfg.Policy, skipping duplicates.
func ApplyRulePacks(cfg *Config, packs []RulePack) {
	for _, pack := range packs {
		cfg.Policy.DeniedPatterns = appendUnique(cfg.Policy.DeniedPatterns, pack.DeniedPatterns...)
		cfg.Policy.Bash.Denied = appendUnique(cfg.Policy.Bash.Denied, pack.Bash.Denied...)
		cfg.Policy.PowerShell.Denied = appendUnique(cfg.Policy.PowerShell.Denied, pack.PowerShell.Denied...)
	}
}

func appendUnique(list []string, items ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		seen[s] = true
	}
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		list = append(list, s)
	}
	return list
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TunnelDef is one tunnel definition from a client YAML file, so a
// single client process can expose several local services.
type TunnelDef struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Subdomain string `yaml:"subdomain,omitempty"`
	Port      int    `yaml:"port"`
}

type tunnelsFile struct {
	Tunnels []TunnelDef `yaml:"tunnels"`
}

// LoadTunnelsFile reads and validates tunnel definitions from path.
func LoadTunnelsFile(path string) ([]TunnelDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tunnels file: %w", err)
	}
	var f tunnelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tunnels file: %w", err)
	}
	if len(f.Tunnels) == 0 {
		return nil, fmt.Errorf("tunnels file %s defines no tunnels", path)
	}
	for i, t := range f.Tunnels {
		if t.Type == "" {
			f.Tunnels[i].Type = "http"
			t.Type = "http"
		}
		if t.Type != "http" && t.Type != "tcp" {
			return nil, fmt.Errorf("tunnel %q: type must be http or tcp", t.Name)
		}
		if t.Port <= 0 || t.Port > 65535 {
			return nil, fmt.Errorf("tunnel %q: port must be between 1 and 65535", t.Name)
		}
	}
	return f.Tunnels, nil
}

package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"zigbee-profiles/internal/zcl"
)

// VendorGroup groups profiles under one vendor name.
type VendorGroup struct {
	Name   string          `json:"name" yaml:"name"`
	Models []DeviceProfile `json:"models" yaml:"models"`
}

// profileFile is the structure of files in the profiles directory.
type profileFile struct {
	Clusters []zcl.ClusterDef `json:"clusters,omitempty" yaml:"clusters,omitempty"`
	Profiles []DeviceProfile  `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	Vendors  []VendorGroup    `json:"vendors,omitempty" yaml:"vendors,omitempty"`
}

// LoadDir reads every *.json, *.yaml and *.yml file in dir, registering
// custom clusters into the registry's ZCL definitions and profiles into r.
// A missing or empty directory loads nothing and is not an error.
func LoadDir(dir string, r *Registry, logger *slog.Logger) (int, error) {
	var matches []string
	for _, pattern := range []string{"*.json", "*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, fmt.Errorf("glob profiles dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no profile files found", "dir", dir)
		return 0, nil
	}
	sort.Strings(matches)

	total := 0
	for _, path := range matches {
		pf, err := readProfileFile(path)
		if err != nil {
			return total, err
		}

		if len(pf.Clusters) > 0 {
			if r.clusters == nil {
				return total, fmt.Errorf("%s: custom clusters need a cluster registry", path)
			}
			for _, c := range pf.Clusters {
				r.clusters.Register(c)
			}
		}

		n := 0
		for _, p := range pf.Profiles {
			if err := r.Add(p); err != nil {
				return total, fmt.Errorf("%s: %w", path, err)
			}
			n++
		}
		for _, vg := range pf.Vendors {
			for _, p := range vg.Models {
				if p.Vendor == "" {
					p.Vendor = vg.Name
				}
				if err := r.Add(p); err != nil {
					return total, fmt.Errorf("%s: %w", path, err)
				}
				n++
			}
		}
		total += n
		logger.Info("loaded profile file", "path", filepath.Base(path),
			"clusters", len(pf.Clusters), "profiles", n)
	}

	logger.Info("profiles loaded", "files", len(matches), "profiles", total)
	return total, nil
}

func readProfileFile(path string) (*profileFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var pf profileFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &pf)
	default:
		err = yaml.Unmarshal(data, &pf)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &pf, nil
}

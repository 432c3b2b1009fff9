package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RepoEntry is one tracked repository in repos.yaml:
//
//	repos:
//	  - full_name: acme/widgets
//	    prefix: TK
//	    install_id: 12345
type RepoEntry struct {
	FullName  string `yaml:"full_name"`
	Prefix    string `yaml:"prefix"`
	InstallID int64  `yaml:"install_id"`
}

type reposFile struct {
	Repos []RepoEntry `yaml:"repos"`
}

// LoadRepos reads the tracked-repositories file. A missing file is not
// an error; it returns an empty list so a fresh deployment can start
// before any repository is connected.
func LoadRepos(path string) ([]RepoEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var file reposFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, entry := range file.Repos {
		if entry.FullName == "" {
			return nil, fmt.Errorf("%s: repos[%d] missing full_name", path, i)
		}
		if entry.Prefix == "" {
			file.Repos[i].Prefix = "TK"
		}
	}
	return file.Repos, nil
}

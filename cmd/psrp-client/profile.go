package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// SessionProfile holds the connection defaults a -profile YAML file can
// supply, so a repeated target doesn't need to be retyped on every
// invocation. Flags always win over profile values; the profile only
// changes what flag.Parse sees as the default.
type SessionProfile struct {
	Server   string `yaml:"server"`
	User     string `yaml:"user"`
	Script   string `yaml:"script"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Insecure bool   `yaml:"insecure"`
	Timeout  string `yaml:"timeout"`
	Realm    string `yaml:"realm"`
	Domain   string `yaml:"domain"`
}

// loadProfile reads a SessionProfile from a YAML file. A missing path is
// not an error; callers get a zero-value profile.
func loadProfile(path string) (*SessionProfile, error) {
	if path == "" {
		return &SessionProfile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p SessionProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// profileArg does a minimal pre-scan of argv for "-profile"/"--profile
// <path>" so its values can seed flag defaults before flag.Parse runs.
func profileArg(args []string) string {
	for i, a := range args {
		if (a == "-profile" || a == "--profile") && i+1 < len(args) {
			return args[i+1]
		}
		const prefix1, prefix2 = "-profile=", "--profile="
		if len(a) > len(prefix1) && a[:len(prefix1)] == prefix1 {
			return a[len(prefix1):]
		}
		if len(a) > len(prefix2) && a[:len(prefix2)] == prefix2 {
			return a[len(prefix2):]
		}
	}
	return ""
}

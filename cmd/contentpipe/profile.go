package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const defaultBaseURL = "http://localhost:8080"

type profile struct {
	BaseURL string `yaml:"baseUrl"`
	Token   string `yaml:"token"`
	Retries int    `yaml:"retries,omitempty"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

// active names the profile a command works on: the --profile flag, then
// the stored current profile, then "default".
func (c cliConfig) active(flag string) string {
	if name := strings.TrimSpace(flag); name != "" {
		return name
	}
	if c.CurrentProfile != "" {
		return c.CurrentProfile
	}
	return "default"
}

// profileStore reads and writes the YAML file holding every profile. The
// file carries tokens, so it is written 0600 under a 0700 directory.
type profileStore struct {
	path string
}

func openProfiles() profileStore {
	if dir := strings.TrimSpace(os.Getenv("CONTENTPIPE_CONFIG_DIR")); dir != "" {
		return profileStore{path: filepath.Join(dir, "config.yaml")}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return profileStore{path: "config.yaml"}
	}
	return profileStore{path: filepath.Join(home, ".contentpipe", "config.yaml")}
}

func (s profileStore) load() (cliConfig, error) {
	cfg := cliConfig{Profiles: map[string]profile{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", s.path, err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, nil
}

func (s profileStore) save(cfg cliConfig) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// update applies fn to the named profile and persists the result. The
// profile becomes current when none is set yet or makeCurrent is true.
func (s profileStore) update(flag string, makeCurrent bool, fn func(*profile) error) (string, error) {
	cfg, err := s.load()
	if err != nil {
		return "", err
	}
	name := cfg.active(flag)
	p := cfg.Profiles[name]
	if err := fn(&p); err != nil {
		return name, err
	}
	cfg.Profiles[name] = p
	if cfg.CurrentProfile == "" || makeCurrent {
		cfg.CurrentProfile = name
	}
	return name, s.save(cfg)
}

func (c cliConfig) names() []string {
	out := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	if line = strings.TrimSpace(line); line == "" {
		return def
	}
	return line
}

// promptSecret reads without echo on a terminal and a plain line otherwise.
func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		fmt.Println()
		return strings.TrimSpace(line), nil
	}
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return "<unset>"
	case len(v) <= 8:
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

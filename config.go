package leash

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/agentleash/leash/internal/fsutil"
)

// policiesFile is the name of the policy definitions file under the root.
const policiesFile = "policies.yaml"

// Config holds the installation-wide settings for a Runner.
type Config struct {
	// Root is the per-user state directory. Empty means DefaultRoot().
	Root string

	// Logger receives structured diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultRoot returns the per-user state directory, ~/.leash.
func DefaultRoot() string {
	return fsutil.ExpandUser("~/.leash")
}

// PolicySpec is the on-disk shape of one policy definition. The schema is
// closed: unknown fields in the policies file are rejected at load time.
type PolicySpec struct {
	BlockPatterns []string `yaml:"block_patterns"`
	AllowNetwork  bool     `yaml:"allow_network"`
	MaxFileWrites int      `yaml:"max_file_writes"`
}

// policiesDoc is the top-level shape of the policies file.
type policiesDoc struct {
	Policies map[string]PolicySpec `yaml:"policies"`
}

// LoadPolicies parses the policies file under root into compiled Policy
// values. Malformed YAML, unknown fields, negative limits, and invalid
// patterns are all ConfigErrors; nothing is silently ignored.
func LoadPolicies(root string) (map[string]*Policy, error) {
	path := filepath.Join(root, policiesFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{File: path, Detail: fmt.Sprintf("cannot read policies: %v", err)}
	}
	return parsePolicies(path, data)
}

func parsePolicies(path string, data []byte) (map[string]*Policy, error) {
	var doc policiesDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &ConfigError{File: path, Detail: fmt.Sprintf("malformed policies file: %v", err)}
	}
	if len(doc.Policies) == 0 {
		return nil, &ConfigError{File: path, Detail: "no policies defined"}
	}

	out := make(map[string]*Policy, len(doc.Policies))
	for name, spec := range doc.Policies {
		if name == "" {
			return nil, &ConfigError{File: path, Detail: "policy with empty name"}
		}
		if spec.MaxFileWrites < 0 {
			return nil, &ConfigError{File: path, Detail: fmt.Sprintf("policy %q: max_file_writes must be >= 0", name)}
		}
		p, err := NewPolicy(name, spec.BlockPatterns, spec.AllowNetwork, spec.MaxFileWrites)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}

// PolicyNames returns the sorted names of the policies defined under root.
func PolicyNames(root string) ([]string, error) {
	policies, err := LoadPolicies(root)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Init creates the root directory layout and writes a default policies file.
// An existing policies file is left untouched.
func Init(root string) error {
	for _, dir := range []string{root, filepath.Join(root, "logs"), filepath.Join(root, "backups")} {
		if err := fsutil.EnsureDir(dir); err != nil {
			return fmt.Errorf("leash: create %s: %w", dir, err)
		}
	}

	path := filepath.Join(root, policiesFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	doc := policiesDoc{Policies: DefaultPolicySpecs()}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("leash: marshal default policies: %w", err)
	}
	return fsutil.AtomicWriteFile(path, data, 0o600)
}

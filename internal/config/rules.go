package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/agentguard/internal/signing"
)

// Rules is the policy file:
//
//	rules:
//	  session_logging: true
//	  log_signing:
//	    enabled: true
//	    private_key_path: keys/private.pem
//	    public_key_path: keys/public.pem
type Rules struct {
	SessionLogging bool       `yaml:"session_logging" json:"session_logging"`
	LogSigning     LogSigning `yaml:"log_signing" json:"log_signing"`
}

type LogSigning struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	PrivateKeyPath string `yaml:"private_key_path" json:"private_key_path"`
	PublicKeyPath  string `yaml:"public_key_path" json:"public_key_path"`
}

type rulesFile struct {
	Rules Rules `yaml:"rules" json:"rules"`
}

// LoadRules reads the rules file at path. YAML is the default; .json and
// .jsonc files may carry comments and trailing commas. Relative key paths are
// resolved against the file's directory.
//
// A missing or malformed file yields zero Rules (no session logging, no
// signing) and a logged warning. Rules never stop the service from starting.
func LoadRules(path string, logger *slog.Logger) Rules {
	if logger == nil {
		logger = slog.Default()
	}
	rules, err := ParseRulesFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("rules file not found, signing and session logging disabled", "path", path)
		return Rules{}
	case err != nil:
		logger.Warn("rules file unreadable, signing and session logging disabled", "path", path, "error", err)
		return Rules{}
	}
	return rules
}

// ParseRulesFile is LoadRules with the error returned.
func ParseRulesFile(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, err
	}
	var file rulesFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
			return Rules{}, fmt.Errorf("decode rules %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Rules{}, fmt.Errorf("decode rules %s: %w", path, err)
		}
	}
	rules := file.Rules
	dir := filepath.Dir(path)
	rules.LogSigning.PrivateKeyPath = resolve(dir, rules.LogSigning.PrivateKeyPath)
	rules.LogSigning.PublicKeyPath = resolve(dir, rules.LogSigning.PublicKeyPath)
	return rules, nil
}

func resolve(dir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Signing returns the key settings for signing.Load.
func (r Rules) Signing() signing.Config {
	return signing.Config{
		Enabled:        r.LogSigning.Enabled,
		PrivateKeyPath: r.LogSigning.PrivateKeyPath,
		PublicKeyPath:  r.LogSigning.PublicKeyPath,
	}
}

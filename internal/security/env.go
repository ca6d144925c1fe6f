package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

func ParseCSV(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		s := strings.TrimSpace(r)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SplitKeys flattens a list whose entries may themselves be comma separated,
// as happens when a list arrives through an environment variable.
func SplitKeys(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, ParseCSV(v)...)
	}
	return out
}

func KeySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// EnvMap turns KEY=VALUE pairs into a map. Entries without '=' are skipped.
func EnvMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func FilterEnv(input map[string]string, allowedKeys map[string]struct{}, allowedPrefix string) map[string]string {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]string)
	for k, v := range input {
		if _, ok := allowedKeys[k]; ok {
			out[k] = v
			continue
		}
		if allowedPrefix != "" && strings.HasPrefix(k, allowedPrefix) {
			out[k] = v
		}
	}
	return out
}

// ResolveDir returns the cleaned, symlink-resolved absolute form of dir.
// An empty dir resolves to the current working directory.
func ResolveDir(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", errors.New("not a directory: " + abs)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		real = abs
	}
	return filepath.Clean(real), nil
}

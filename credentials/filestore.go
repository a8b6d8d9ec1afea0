package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Keys written to the env file when mirroring is enabled.
const (
	EnvAccessToken  = "TWITCH_BOT_TOKEN"
	EnvRefreshToken = "TWITCH_REFRESH_TOKEN"
	EnvExpiresAt    = "TWITCH_TOKEN_EXPIRES_AT"
)

// FileStore keeps the credential in a JSON file and optionally mirrors it
// into a dotenv file.
type FileStore struct {
	Path    string
	EnvFile string
	Mirror  bool
}

type fileRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Load reads the JSON file. A missing file yields a zero Credential.
func (s *FileStore) Load(_ context.Context) (Credential, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read tokens file: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return Credential{}, fmt.Errorf("parse tokens file %s: %w", s.Path, err)
	}
	c := Credential{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken}
	if rec.ExpiresAt > 0 {
		c.ExpiresAt = time.Unix(rec.ExpiresAt, 0)
	}
	return c, nil
}

// Save writes the file atomically (temp file + rename) with 0600 permissions.
func (s *FileStore) Save(_ context.Context, c Credential) error {
	rec := fileRecord{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}
	if !c.ExpiresAt.IsZero() {
		rec.ExpiresAt = c.ExpiresAt.Unix()
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := writeAtomic(s.Path, b, 0o600); err != nil {
		return fmt.Errorf("write tokens file: %w", err)
	}
	if s.Mirror && s.EnvFile != "" {
		if err := s.mirror(rec); err != nil {
			return fmt.Errorf("mirror tokens to %s: %w", s.EnvFile, err)
		}
	}
	return nil
}

// mirror rewrites only the token lines of the env file, appending any that
// are missing. Every other line is kept byte for byte.
func (s *FileStore) mirror(rec fileRecord) error {
	values := map[string]string{
		EnvAccessToken:  rec.AccessToken,
		EnvRefreshToken: rec.RefreshToken,
		EnvExpiresAt:    strconv.FormatInt(rec.ExpiresAt, 10),
	}
	perm := fs.FileMode(0o600)
	b, err := os.ReadFile(s.EnvFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return err
	default:
		if st, err := os.Stat(s.EnvFile); err == nil {
			perm = st.Mode().Perm()
		}
	}
	return writeAtomic(s.EnvFile, mirrorLines(b, values), perm)
}

// mirrorLines replaces KEY=... lines (optionally "export KEY=...") for the
// keys in values and appends the rest in a fixed order.
func mirrorLines(content []byte, values map[string]string) []byte {
	var lines []string
	if len(content) > 0 {
		lines = strings.Split(string(content), "\n")
	}
	seen := map[string]bool{}
	for i, line := range lines {
		key, exported, ok := envKey(line)
		v, managed := values[key]
		if !ok || !managed {
			continue
		}
		prefix := ""
		if exported {
			prefix = "export "
		}
		eol := ""
		if strings.HasSuffix(line, "\r") {
			eol = "\r"
		}
		lines[i] = prefix + key + "=" + v + eol
		seen[key] = true
	}

	// A trailing newline leaves an empty last element; append before it.
	tail := []string{}
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines, tail = lines[:n-1], []string{""}
	}
	appended := false
	for _, key := range []string{EnvAccessToken, EnvRefreshToken, EnvExpiresAt} {
		if !seen[key] {
			lines = append(lines, key+"="+values[key])
			appended = true
		}
	}
	if appended {
		tail = []string{""}
	}
	return []byte(strings.Join(append(lines, tail...), "\n"))
}

// envKey extracts the variable name of an assignment line.
func envKey(line string) (key string, exported, ok bool) {
	t := strings.TrimSpace(line)
	if t == "" || strings.HasPrefix(t, "#") {
		return "", false, false
	}
	if rest, found := strings.CutPrefix(t, "export "); found {
		t, exported = strings.TrimSpace(rest), true
	}
	name, _, found := strings.Cut(t, "=")
	if !found {
		return "", false, false
	}
	return strings.TrimSpace(name), exported, true
}

func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // gone after a successful rename
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

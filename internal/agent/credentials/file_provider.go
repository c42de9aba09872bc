package credentials

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// credentialsFile is the on-disk shape of ~/.claude/.credentials.json.
type credentialsFile struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // ms since epoch
	Scope        string `json:"scope,omitempty"`
}

// FileProvider reads the OAuth credentials file Claude Code maintains in
// the user's home directory. It only serves the anthropic kind. A missing
// file is silent absence; an expired token is treated as absent.
type FileProvider struct {
	path string
	now  func() time.Time
}

// NewFileProvider creates a provider for the given file path. An empty path
// selects $HOME/.claude/.credentials.json.
func NewFileProvider(path string) *FileProvider {
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".claude", ".credentials.json")
		}
	}
	return &FileProvider{path: path, now: time.Now}
}

// Name returns the provider name.
func (p *FileProvider) Name() string {
	return "credentials-file"
}

// Resolve reads and validates the credentials file.
func (p *FileProvider) Resolve(ctx context.Context, kind string) (string, error) {
	if kind != KindAnthropic || p.path == "" {
		return "", nil
	}

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", err
	}
	if creds.AccessToken == "" {
		return "", nil
	}
	if creds.ExpiresAt > 0 && creds.ExpiresAt <= p.now().UnixMilli() {
		return "", nil
	}
	return creds.AccessToken, nil
}

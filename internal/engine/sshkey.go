package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateAlias checks that alias can name both a key file in the ssh
// directory and a log directory. "config" is the ssh config file itself.
func ValidateAlias(alias string) error {
	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("invalid alias %q: use letters, digits, '.', '_' or '-', starting with a letter or digit", alias)
	}
	if alias == "config" {
		return fmt.Errorf("invalid alias %q: reserved", alias)
	}
	return nil
}

// SSHKeys installs subscription private keys under host aliases in an ssh
// config directory so git can address private repos as <alias>:owner/repo.
type SSHKeys struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewSSHKeys(dir string, logger *slog.Logger) *SSHKeys {
	return &SSHKeys{dir: dir, logger: logger}
}

// Install writes the key to <dir>/<alias> and replaces the alias block in <dir>/config.
func (k *SSHKeys) Install(alias, host, privateKey string) error {
	if err := ValidateAlias(alias); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return fmt.Errorf("create ssh dir: %w", err)
	}
	keyPath := filepath.Join(k.dir, alias)
	// The key is read-only once written, so replace rather than truncate.
	if err := os.Remove(keyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace ssh key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(strings.TrimRight(privateKey, "\n")+"\n"), 0o400); err != nil {
		return fmt.Errorf("write ssh key: %w", err)
	}
	return k.rewriteConfig(alias, k.configBlock(alias, host))
}

// Remove deletes the key file and config block of alias. Missing entries are ignored.
func (k *SSHKeys) Remove(alias string) error {
	if alias == "" {
		return nil
	}
	if err := ValidateAlias(alias); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.Remove(filepath.Join(k.dir, alias)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		k.logger.Warn("remove ssh key", "alias", alias, "err", err)
	}
	return k.rewriteConfig(alias, "")
}

func (k *SSHKeys) configBlock(alias, host string) string {
	if host == "github.com" {
		// github blocks port 22 on many networks; its ssh endpoint also listens on 443.
		host = "ssh.github.com\n    Port 443\n    HostkeyAlgorithms +ssh-rsa\n    PubkeyAcceptedAlgorithms +ssh-rsa"
	}
	return fmt.Sprintf("\nHost %s\n    Hostname %s\n    IdentityFile %s\n    StrictHostKeyChecking no\n",
		alias, host, filepath.Join(k.dir, alias))
}

func (k *SSHKeys) rewriteConfig(alias, block string) error {
	path := filepath.Join(k.dir, "config")
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read ssh config: %w", err)
	}
	content := removeHostBlock(string(data), alias) + block
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write ssh config: %w", err)
	}
	return nil
}

// removeHostBlock drops the "Host <alias>" stanza, which runs until the next
// unindented line, and collapses the blank lines it leaves behind.
func removeHostBlock(content, alias string) string {
	var out []string
	skipping := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		indented := strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
		if !indented && strings.HasPrefix(trimmed, "Host ") {
			skipping = strings.TrimSpace(strings.TrimPrefix(trimmed, "Host ")) == alias
		} else if skipping && !indented && trimmed != "" {
			skipping = false
		}
		if skipping {
			continue
		}
		if trimmed == "" && len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
			continue
		}
		out = append(out, line)
	}
	joined := strings.TrimRight(strings.Join(out, "\n"), "\n")
	if strings.TrimSpace(joined) == "" {
		return ""
	}
	return joined + "\n"
}

package engine

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"taskpanel/internal/core"
)

var runNowExt = regexp.MustCompile(`\.(js|py|pyc|sh|ts)$`)

// BuildTaskCommand prefixes command with the task-runner wrapper unless it
// already invokes the wrapper or the pull tool. With runNow, scripts with a
// recognized extension get the "now" marker so the wrapper skips its random delay.
func BuildTaskCommand(command, taskCmd, pullCmd string, runNow bool) string {
	command = strings.TrimSpace(command)
	if !strings.HasPrefix(command, taskCmd+" ") && !strings.HasPrefix(command, pullCmd+" ") {
		command = taskCmd + " " + command
	}
	if runNow {
		fields := strings.Fields(command)
		if len(fields) > 1 && runNowExt.MatchString(fields[1]) {
			command += " now"
		}
	}
	return command
}

// sshHost matches the host of scp-like git URLs such as git@github.com:owner/repo.git.
var sshHost = regexp.MustCompile(`^[^@]+@([^:/]+):`)

// SubscriptionURL returns the URL handed to the pull tool for sub together with
// the host its credentials are bound to. Public sources pass through untouched.
func SubscriptionURL(sub *core.Subscription) (string, string, error) {
	if sub.Type != core.SubscriptionPrivateRepo {
		return sub.URL, "", nil
	}
	switch sub.PullType {
	case core.PullSSHKey:
		m := sshHost.FindStringSubmatch(sub.URL)
		if m == nil {
			return "", "", fmt.Errorf("subscription %s: %q is not an ssh url", sub.ID, sub.URL)
		}
		host := m[1]
		return strings.Replace(sub.URL, host, sub.Alias, 1), host, nil
	case core.PullUserPwd:
		u, err := url.Parse(sub.URL)
		if err != nil {
			return "", "", fmt.Errorf("subscription %s: parse url: %w", sub.ID, err)
		}
		if u.Host == "" {
			return "", "", fmt.Errorf("subscription %s: %q has no host", sub.ID, sub.URL)
		}
		u.User = url.UserPassword(sub.PullOption.Username, sub.PullOption.Password)
		return u.String(), u.Host, nil
	default:
		return sub.URL, "", nil
	}
}

// BuildSubscriptionCommand renders the pull tool invocation for sub using pullURL.
func BuildSubscriptionCommand(sub *core.Subscription, pullCmd, pullURL string) string {
	if sub.Type == core.SubscriptionFile {
		return fmt.Sprintf(`%s raw "%s"`, pullCmd, pullURL)
	}
	return fmt.Sprintf(`%s repo "%s" "%s" "%s" "%s" "%s" "%s"`, pullCmd, pullURL,
		sub.Whitelist, sub.Blacklist, sub.Dependences, sub.Branch, sub.Extensions)
}

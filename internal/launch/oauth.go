package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"organ_dispatch/internal/domain"
)

var (
	ErrNoAccounts = errors.New("no oauth accounts configured")
	ErrNoToken    = errors.New("oauth account has no token")
)

// AccountPool hands out bearer tokens for an OAuth-backed provider. Accounts
// rotate round-robin unless the request pins one.
type AccountPool struct {
	provider domain.Provider
	prefix   string
	lookup   func(string) string

	mu       sync.Mutex
	accounts []string
	next     int
}

// NewAccountPool reads tokens from the environment as PREFIX+ACCOUNT, with the
// account upper-cased and non-alphanumerics mapped to '_'. lookup defaults to
// os.Getenv.
func NewAccountPool(provider domain.Provider, accounts []string, prefix string, lookup func(string) string) *AccountPool {
	if lookup == nil {
		lookup = os.Getenv
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = envKey(string(provider)) + "_TOKEN_"
	}
	clean := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a = strings.TrimSpace(a); a != "" {
			clean = append(clean, a)
		}
	}
	return &AccountPool{provider: provider, prefix: prefix, lookup: lookup, accounts: clean}
}

func (p *AccountPool) Token(req Request) (string, error) {
	account, err := p.pick(req.OAuthAccountID)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(p.lookup(p.prefix + envKey(account)))
	if token == "" {
		return "", fmt.Errorf("%w: provider=%s account=%s", ErrNoToken, p.provider, account)
	}
	return token, nil
}

func (p *AccountPool) pick(pinned string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.accounts) == 0 {
		return "", fmt.Errorf("%w: provider=%s", ErrNoAccounts, p.provider)
	}
	if pinned = strings.TrimSpace(pinned); pinned != "" {
		for _, a := range p.accounts {
			if a == pinned {
				return a, nil
			}
		}
	}
	account := p.accounts[p.next%len(p.accounts)]
	p.next++
	return account, nil
}

func envKey(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ProviderSwitch routes OAuth-backed requests to the launcher configured for
// their provider.
type ProviderSwitch map[domain.Provider]Launcher

func (s ProviderSwitch) Launch(ctx context.Context, req Request) (<-chan Completion, error) {
	target, ok := s[req.Provider]
	if !ok || target == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoLauncher, req.Provider)
	}
	return target.Launch(ctx, req)
}

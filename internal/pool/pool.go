package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoAccounts is returned by FromDirectory when no credential file in
// the directory could be loaded.
var ErrNoAccounts = errors.New("no accounts available")

// ErrDuplicateName is returned by AddAccount when an account with the
// same name already exists in the pool.
var ErrDuplicateName = errors.New("account name already exists")

// PoolConfig governs the selector's filtering rules.
type PoolConfig struct {
	FailureCooldownSecs int
	MaxFailures         int
}

// DefaultPoolConfig matches the Upstream reference implementation's
// defaults: a one-minute cooldown and five strikes before permanent
// exclusion.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{FailureCooldownSecs: 60, MaxFailures: 5}
}

// Pool is the ordered collection of Accounts plus PoolConfig. It is safe
// for concurrent use: selection and listing take the read lock; add and
// remove take the write lock. Selection never holds the lock during I/O.
type Pool struct {
	mu       sync.RWMutex
	accounts []*Account
	cfg      PoolConfig
	dir      string
}

// FromDirectory scans dir for files ending in ".json", loading each as a
// Credentials record keyed by its file stem. Files that fail to parse
// are logged and skipped. Returns ErrNoAccounts if the result is empty.
func FromDirectory(dir string, cfg PoolConfig) (*Pool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read credentials dir: %w", err)
	}

	p := &Pool{cfg: cfg, dir: dir}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		path := filepath.Join(dir, e.Name())
		creds, err := loadCredentials(path)
		if err != nil {
			slog.Warn("skipping unparseable credential file", "path", path, "error", err)
			continue
		}
		p.accounts = append(p.accounts, NewAccount(name, path, creds))
	}

	if len(p.accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return p, nil
}

func loadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// SaveCredentials persists c to path using write-temp-then-rename so a
// crash mid-write never leaves the file empty or half-written.
func SaveCredentials(path string, c Credentials) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp credentials file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename credentials file: %w", err)
	}
	return nil
}

// AddAccount inserts acct into the pool. Returns ErrDuplicateName if an
// account with the same name already exists.
func (p *Pool) AddAccount(acct *Account) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		if a.Name == acct.Name {
			return ErrDuplicateName
		}
	}
	p.accounts = append(p.accounts, acct)
	return nil
}

// RemoveAccount removes the named account. Reports whether it was present.
func (p *Pool) RemoveAccount(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.accounts {
		if a.Name == name {
			p.accounts = append(p.accounts[:i], p.accounts[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the named account, if present.
func (p *Pool) Get(name string) (*Account, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.accounts {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// GetAllAccounts returns a snapshot slice of all accounts in the pool.
func (p *Pool) GetAllAccounts() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// AccountCount returns the number of accounts in the pool.
func (p *Pool) AccountCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// HealthyCount returns the number of currently-healthy accounts.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, a := range p.accounts {
		if a.Healthy() {
			n++
		}
	}
	return n
}

// GetLeastUsedAccount returns the best candidate account for a new
// request, or nil if none are eligible.
func (p *Pool) GetLeastUsedAccount() *Account {
	p.mu.RLock()
	candidates := make([]*Account, 0, len(p.accounts))
	maxFailures := uint64(p.cfg.MaxFailures)
	cooldown := time.Duration(p.cfg.FailureCooldownSecs) * time.Second
	for _, a := range p.accounts {
		if a.FailureCount() >= maxFailures {
			continue
		}
		if !a.ShouldRetry(cooldown) {
			continue
		}
		candidates = append(candidates, a)
	}
	p.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return lessCandidate(candidates[i], candidates[j])
	})
	return candidates[0]
}

// lessCandidate implements the selection total order:
//  1. accounts with a finite usage_ratio sort before accounts without one.
//  2. among accounts with a ratio, smaller ratio wins.
//  3. ties broken by smaller request_count.
//  4. accounts without a ratio: smaller request_count wins.
func lessCandidate(a, b *Account) bool {
	ra, aOK := a.UsageRatio()
	rb, bOK := b.UsageRatio()

	if aOK != bOK {
		return aOK // ratio-holder sorts first
	}
	if aOK && bOK {
		if ra != rb {
			return ra < rb
		}
	}
	return a.RequestCount() < b.RequestCount()
}

// Package testutil provides common testing utilities: deterministic Neo
// accounts and a controllable clock.
package testutil

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"
)

var (
	accountsMu sync.Mutex
	accounts   = make(map[int]*keys.PrivateKey)
)

// Key returns a deterministic private key for the given index. The same
// index always yields the same key within and across test runs.
func Key(index int) *keys.PrivateKey {
	accountsMu.Lock()
	defer accountsMu.Unlock()

	if key, ok := accounts[index]; ok {
		return key
	}
	seed := sha256.Sum256([]byte(fmt.Sprintf("lottery-test-account-%d", index)))
	key, err := keys.NewPrivateKeyFromBytes(seed[:])
	if err != nil {
		panic(fmt.Sprintf("testutil: derive key %d: %v", index, err))
	}
	accounts[index] = key
	return key
}

// Account returns the script hash of the deterministic key at index.
func Account(index int) util.Uint160 {
	return Key(index).GetScriptHash()
}

// Accounts returns the first n deterministic accounts.
func Accounts(n int) []util.Uint160 {
	out := make([]util.Uint160, n)
	for i := range out {
		out[i] = Account(i)
	}
	return out
}

// MockClock is a manually advanced clock.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a clock fixed at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start.UTC()}
}

// Now returns the current mock time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/identity"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRegistry(t *testing.T, ttl time.Duration) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	reg, err := New(Options{URL: fmt.Sprintf("redis://%s", mr.Addr()), TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg, mr
}

func TestClaim(t *testing.T) {
	reg, mr := setupTestRegistry(t, 0)
	ctx := context.Background()

	id, err := reg.Claim(ctx, "run:r1:person|Alice", "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	id, err = reg.Claim(ctx, "run:r1:person|Alice", "a2")
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	got, err := mr.Get(defaultPrefix + "run:r1:person|Alice")
	require.NoError(t, err)
	assert.Equal(t, "a1", got)
}

func TestClaimTTL(t *testing.T) {
	reg, mr := setupTestRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := reg.Claim(ctx, "k", "v1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(defaultPrefix+"k"))

	mr.FastForward(2 * time.Minute)
	id, err := reg.Claim(ctx, "k", "v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", id)
}

func TestSharedRunScope(t *testing.T) {
	reg, _ := setupTestRegistry(t, 0)
	ctx := context.Background()

	workerA := identity.NewResolver(identity.ScopeRun, reg, "run1")
	workerB := identity.NewResolver(identity.ScopeRun, reg, "run1")

	a, err := workerA.Assign(ctx, "d1", common.ExtractionResult{
		Entities: []common.Entity{{ID: "x1", Name: "Acme", Type: "Organization"}},
	})
	require.NoError(t, err)
	b, err := workerB.Assign(ctx, "d2", common.ExtractionResult{
		Entities: []common.Entity{{ID: "x2", Name: "Acme", Type: "Organization"}},
	})
	require.NoError(t, err)
	assert.Equal(t, a.Entities[0].ID, b.Entities[0].ID)
}

func TestNewFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(Options{URL: "redis://" + addr, ConnectTimeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

func TestConcurrentClaimsAgree(t *testing.T) {
	reg, _ := setupTestRegistry(t, 0)
	ctx := context.Background()

	const n = 16
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = reg.Claim(ctx, "global:person|Alice", fmt.Sprintf("c%d", i))
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

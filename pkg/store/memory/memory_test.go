package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
	"github.com/OFFIS-RIT/docgraph/pkg/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return New()
	})
}

func TestInjectedFailure(t *testing.T) {
	boom := errors.New("boom")
	s := New(WithFailures(func(op, key string) error {
		if op == "UpsertEntity" && key == "bad" {
			return boom
		}
		return nil
	}))
	ctx := context.Background()
	sess, err := s.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.OpenSessions())

	require.NoError(t, sess.UpsertEntity(ctx, common.Entity{ID: "good", Name: "A"}))
	assert.ErrorIs(t, sess.UpsertEntity(ctx, common.Entity{ID: "bad", Name: "B"}), boom)
	assert.Equal(t, []string{"good"}, s.NodeIDs(common.LabelEntity))

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, 0, s.OpenSessions())
}

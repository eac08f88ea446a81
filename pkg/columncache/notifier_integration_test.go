//go:build integration

package columncache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-datastore/pkg/models"
	"github.com/ekaya-inc/ekaya-datastore/pkg/testhelpers"
)

func TestRedisNotifier_InvalidatesOtherProcesses(t *testing.T) {
	client := testhelpers.GetRedis(t)
	table := models.NewTableRef("content", "records")

	local := New(NewRedisNotifier(client, "test:columns", nil), nil)
	remote := New(NewRedisNotifier(client, "test:columns", nil), nil)
	local.Set(table, columns())
	remote.Set(table, columns())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = remote.Listen(ctx) }()
	go func() { _ = local.Listen(ctx) }()

	// subscriptions are asynchronous; publish until the remote side has seen one
	require.Eventually(t, func() bool {
		local.Reset(context.Background(), table)
		_, ok := remote.Get(table)
		return !ok
	}, 10*time.Second, 100*time.Millisecond)

	_, ok := local.Get(table)
	assert.False(t, ok)

	// the local cache never receives its own publications through the channel
	local.Set(table, columns())
	time.Sleep(200 * time.Millisecond)
	_, ok = local.Get(table)
	assert.True(t, ok)
}

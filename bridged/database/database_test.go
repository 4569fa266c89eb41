package database_test

import (
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/ocbridge/ocbridge/bridged/database"
	"github.com/ocbridge/ocbridge/bridged/database/dbtestutil"
	"github.com/ocbridge/ocbridge/testutil"
)

func TestKV(t *testing.T) {
	t.Parallel()

	store := dbtestutil.Open(t)
	ctx := testutil.Context(t, testutil.WaitShort)

	_, ok, err := store.GetKV(ctx, "telegram.last_update_id")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetKV(ctx, "telegram.last_update_id", "41"))
	value, ok, err := store.GetKV(ctx, "telegram.last_update_id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "41", value)

	// Overwrite.
	require.NoError(t, store.SetKV(ctx, "telegram.last_update_id", "42"))
	value, _, err = store.GetKV(ctx, "telegram.last_update_id")
	require.NoError(t, err)
	require.Equal(t, "42", value)

	require.NoError(t, store.DeleteKV(ctx, "telegram.last_update_id"))
	_, ok, err = store.GetKV(ctx, "telegram.last_update_id")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTopics(t *testing.T) {
	t.Parallel()

	store := dbtestutil.Open(t)
	ctx := testutil.Context(t, testutil.WaitShort)

	_, err := store.GetTopic(ctx, 100, 200)
	require.ErrorIs(t, err, database.ErrNotFound)

	require.NoError(t, store.UpsertTopic(ctx, database.Topic{
		ChatID:     100,
		ThreadID:   200,
		TopicTitle: "myproject",
		Workspace:  "/home/dev/myproject",
		Port:       4101,
		SessionID:  "ses_1",
	}))

	topic, err := store.GetTopic(ctx, 100, 200)
	require.NoError(t, err)
	require.Equal(t, "myproject", topic.TopicTitle)
	require.Equal(t, "/home/dev/myproject", topic.Workspace)
	require.Equal(t, 4101, topic.Port)
	require.Equal(t, "ses_1", topic.SessionID)
	require.NotZero(t, topic.UpdatedAt)

	// Field setters update existing rows.
	require.NoError(t, store.SetTopicSession(ctx, 100, 200, "ses_2"))
	topic, err = store.GetTopic(ctx, 100, 200)
	require.NoError(t, err)
	require.Equal(t, "ses_2", topic.SessionID)
	require.Equal(t, "/home/dev/myproject", topic.Workspace)

	// Field setters create missing rows so resolution can land in
	// any order.
	require.NoError(t, store.SetTopicTitle(ctx, 100, 300, "otherproject"))
	topic, err = store.GetTopic(ctx, 100, 300)
	require.NoError(t, err)
	require.Equal(t, "otherproject", topic.TopicTitle)
	require.Empty(t, topic.Workspace)

	require.NoError(t, store.ClearTopicBinding(ctx, 100, 200))
	topic, err = store.GetTopic(ctx, 100, 200)
	require.NoError(t, err)
	require.Equal(t, "myproject", topic.TopicTitle)
	require.Empty(t, topic.Workspace)
	require.Zero(t, topic.Port)
	require.Empty(t, topic.SessionID)
}

func TestListTopicsOrder(t *testing.T) {
	t.Parallel()

	clock := quartz.NewMock(t)
	clock.Set(time.Unix(1_000_000, 0))
	store := dbtestutil.OpenWithClock(t, clock)
	ctx := testutil.Context(t, testutil.WaitShort)

	require.NoError(t, store.UpsertTopic(ctx, database.Topic{ChatID: 100, ThreadID: 1}))
	clock.Advance(time.Minute)
	require.NoError(t, store.UpsertTopic(ctx, database.Topic{ChatID: 100, ThreadID: 2}))
	clock.Advance(time.Minute)
	require.NoError(t, store.UpsertTopic(ctx, database.Topic{ChatID: 100, ThreadID: 3}))

	topics, err := store.ListTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 3)
	require.Equal(t, int64(3), topics[0].ThreadID)
	require.Equal(t, int64(1), topics[2].ThreadID)

	// Touching an old topic moves it to the front.
	clock.Advance(time.Minute)
	require.NoError(t, store.TouchTopic(ctx, 100, 1))
	topics, err = store.ListTopics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), topics[0].ThreadID)
}

func TestPruneTopics(t *testing.T) {
	t.Parallel()

	t.Run("Retention", func(t *testing.T) {
		t.Parallel()

		clock := quartz.NewMock(t)
		clock.Set(time.Unix(1_000_000, 0))
		store := dbtestutil.OpenWithClock(t, clock)
		ctx := testutil.Context(t, testutil.WaitShort)

		require.NoError(t, store.UpsertTopic(ctx, database.Topic{ChatID: 100, ThreadID: 1}))
		clock.Advance(48 * time.Hour)
		require.NoError(t, store.UpsertTopic(ctx, database.Topic{ChatID: 100, ThreadID: 2}))

		pruned, err := store.PruneTopics(ctx, 24*time.Hour, 0)
		require.NoError(t, err)
		require.EqualValues(t, 1, pruned)

		_, err = store.GetTopic(ctx, 100, 1)
		require.ErrorIs(t, err, database.ErrNotFound)
		_, err = store.GetTopic(ctx, 100, 2)
		require.NoError(t, err)
	})

	t.Run("Ceiling", func(t *testing.T) {
		t.Parallel()

		clock := quartz.NewMock(t)
		clock.Set(time.Unix(1_000_000, 0))
		store := dbtestutil.OpenWithClock(t, clock)
		ctx := testutil.Context(t, testutil.WaitShort)

		for i := int64(1); i <= 5; i++ {
			require.NoError(t, store.UpsertTopic(ctx, database.Topic{ChatID: 100, ThreadID: i}))
			clock.Advance(time.Minute)
		}

		pruned, err := store.PruneTopics(ctx, 365*24*time.Hour, 3)
		require.NoError(t, err)
		require.EqualValues(t, 2, pruned)

		topics, err := store.ListTopics(ctx)
		require.NoError(t, err)
		require.Len(t, topics, 3)
		// The newest three survive.
		require.Equal(t, int64(5), topics[0].ThreadID)
		require.Equal(t, int64(3), topics[2].ThreadID)
	})
}

package sharedsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/ocbridge/ocbridge/bridged/database"
	"github.com/ocbridge/ocbridge/bridged/database/dbtestutil"
	"github.com/ocbridge/ocbridge/bridged/sharedsync"
	"github.com/ocbridge/ocbridge/opencodesdk"
	"github.com/ocbridge/ocbridge/opencodesdk/opencodetest"
	"github.com/ocbridge/ocbridge/telegram/telegramtest"
	"github.com/ocbridge/ocbridge/testutil"
)

type fixture struct {
	store    database.Store
	backend  *opencodetest.Server
	telegram *telegramtest.Server
	syncer   *sharedsync.Syncer
}

func newFixture(t testing.TB, mutate func(*sharedsync.Config)) *fixture {
	t.Helper()

	store := dbtestutil.Open(t)
	backend := opencodetest.New(t)
	tg := telegramtest.New(t)
	cfg := sharedsync.Config{
		Logger:   slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}).Leveled(slog.LevelDebug),
		Store:    store,
		Client:   backend.Client(),
		Telegram: tg.Client(),
		Interval: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{
		store:    store,
		backend:  backend,
		telegram: tg,
		syncer:   sharedsync.New(cfg),
	}
}

func TestSessionTitleRoundTrip(t *testing.T) {
	t.Parallel()

	title := sharedsync.SessionTitle(100, 200, "myproject")
	require.Equal(t, "tg:100/200 myproject", title)

	chatID, threadID, ok := sharedsync.ParseSessionTitle(title)
	require.True(t, ok)
	require.Equal(t, int64(100), chatID)
	require.Equal(t, int64(200), threadID)

	// Forum topics live in supergroups, whose chat IDs are negative.
	title = sharedsync.SessionTitle(-1001234567, 42, "proj")
	require.Equal(t, "tg:-1001234567/42 proj", title)
	chatID, threadID, ok = sharedsync.ParseSessionTitle(title)
	require.True(t, ok)
	require.Equal(t, int64(-1001234567), chatID)
	require.Equal(t, int64(42), threadID)

	_, _, ok = sharedsync.ParseSessionTitle("untitled refactor")
	require.False(t, ok)
}

func TestSessionMappings(t *testing.T) {
	t.Parallel()

	t.Run("TitleMarkerWins", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		ctx := testutil.Context(t, testutil.WaitShort)

		require.NoError(t, f.store.UpsertTopic(ctx, database.Topic{
			ChatID: 100, ThreadID: 200, Workspace: "/ws/myproject",
		}))
		// Exact directory match exists, but the marker points at a
		// different session and takes priority.
		f.backend.AddSession(opencodesdk.Session{
			ID: "ses_dir", Directory: "/ws/myproject",
			Time: opencodesdk.SessionTime{Updated: 50},
		})
		f.backend.AddSession(opencodesdk.Session{
			ID: "ses_marked", Title: "tg:100/200 myproject",
			Time: opencodesdk.SessionTime{Updated: 10},
		})

		mapping, err := f.syncer.SessionMappings(ctx)
		require.NoError(t, err)
		require.Equal(t, map[string]sharedsync.TopicKey{
			"ses_marked": {ChatID: 100, ThreadID: 200},
		}, mapping)

		// The binding is persisted.
		topic, err := f.store.GetTopic(ctx, 100, 200)
		require.NoError(t, err)
		require.Equal(t, "ses_marked", topic.SessionID)
	})

	t.Run("DirectoryNewestWins", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		ctx := testutil.Context(t, testutil.WaitShort)

		require.NoError(t, f.store.UpsertTopic(ctx, database.Topic{
			ChatID: 100, ThreadID: 200, Workspace: "/ws/myproject",
		}))
		f.backend.AddSession(opencodesdk.Session{
			ID: "ses_old", Directory: "/ws/myproject",
			Time: opencodesdk.SessionTime{Updated: 10},
		})
		f.backend.AddSession(opencodesdk.Session{
			ID: "ses_new", Directory: "/ws/myproject",
			Time: opencodesdk.SessionTime{Updated: 99},
		})

		mapping, err := f.syncer.SessionMappings(ctx)
		require.NoError(t, err)
		require.Equal(t, sharedsync.TopicKey{ChatID: 100, ThreadID: 200}, mapping["ses_new"])
		require.NotContains(t, mapping, "ses_old")
	})

	t.Run("BasenameFallback", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil)
		ctx := testutil.Context(t, testutil.WaitShort)

		require.NoError(t, f.store.UpsertTopic(ctx, database.Topic{
			ChatID: 100, ThreadID: 200, Workspace: "/ws/myproject",
		}))
		f.backend.AddSession(opencodesdk.Session{
			ID: "ses_fuzzy", Title: "refactor myproject auth",
			Time: opencodesdk.SessionTime{Updated: 10},
		})

		mapping, err := f.syncer.SessionMappings(ctx)
		require.NoError(t, err)
		require.Equal(t, sharedsync.TopicKey{ChatID: 100, ThreadID: 200}, mapping["ses_fuzzy"])
	})

	t.Run("DisallowedChatSkipped", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, func(cfg *sharedsync.Config) {
			cfg.Allowed = func(chatID int64) bool { return chatID != 100 }
		})
		ctx := testutil.Context(t, testutil.WaitShort)

		f.backend.AddSession(opencodesdk.Session{
			ID: "ses_1", Title: "tg:100/200 blocked",
		})
		mapping, err := f.syncer.SessionMappings(ctx)
		require.NoError(t, err)
		require.Empty(t, mapping)
	})
}

func TestSyncOnceMonitors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := testutil.Context(t, testutil.WaitShort)

	require.NoError(t, f.store.UpsertTopic(ctx, database.Topic{
		ChatID: 100, ThreadID: 200, Workspace: "/ws/a",
	}))
	f.backend.AddSession(opencodesdk.Session{ID: "ses_1", Title: "tg:100/200 a"})

	require.NoError(t, f.syncer.SyncOnce(ctx))
	require.Equal(t, []string{"ses_1"}, f.syncer.Monitored())

	// Idempotent.
	require.NoError(t, f.syncer.SyncOnce(ctx))
	require.Equal(t, []string{"ses_1"}, f.syncer.Monitored())
}

func TestRunStopsMonitors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	testCtx := testutil.Context(t, testutil.WaitShort)
	runCtx, cancel := context.WithCancel(testCtx)
	defer cancel()

	require.NoError(t, f.store.UpsertTopic(testCtx, database.Topic{
		ChatID: 100, ThreadID: 200, Workspace: "/ws/a",
	}))
	f.backend.AddSession(opencodesdk.Session{ID: "ses_1", Title: "tg:100/200 a"})
	f.backend.SetMessages("ses_1", []opencodesdk.MessageWithParts{{
		Info:  opencodesdk.MessageInfo{ID: "msg_1", Role: "assistant"},
		Parts: []opencodesdk.Part{{Type: "text", Text: "first reply"}},
	}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.syncer.Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		return len(f.telegram.Sent()) == 1
	}, testutil.WaitShort, testutil.IntervalFast)
	require.Equal(t, []string{"ses_1"}, f.syncer.Monitored())

	cancel()
	select {
	case <-done:
	case <-testCtx.Done():
		t.Fatal("timed out waiting for Run to return")
	}

	// Run returns only after every monitor goroutine has been
	// awaited, so nothing forwards once it is back.
	require.Empty(t, f.syncer.Monitored())
	f.backend.SetMessages("ses_1", []opencodesdk.MessageWithParts{{
		Info:  opencodesdk.MessageInfo{ID: "msg_2", Role: "assistant"},
		Parts: []opencodesdk.Part{{Type: "text", Text: "late reply"}},
	}})
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.telegram.Sent(), 1)
}

func TestPollSessionForwardsOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := testutil.Context(t, testutil.WaitShort)
	key := sharedsync.TopicKey{ChatID: 100, ThreadID: 200}

	f.backend.SetMessages("ses_1", []opencodesdk.MessageWithParts{{
		Info:  opencodesdk.MessageInfo{ID: "msg_1", Role: "assistant"},
		Parts: []opencodesdk.Part{{Type: "text", Text: "made a change"}},
	}})

	require.NoError(t, f.syncer.PollSession(ctx, "ses_1", key))
	require.Len(t, f.telegram.Sent(), 1)
	require.Equal(t, "made a change", f.telegram.Sent()[0].Text)

	// Same content is not forwarded again.
	require.NoError(t, f.syncer.PollSession(ctx, "ses_1", key))
	require.Len(t, f.telegram.Sent(), 1)

	// Same text under a new message ID is caught by the hash.
	f.backend.SetMessages("ses_1", []opencodesdk.MessageWithParts{{
		Info:  opencodesdk.MessageInfo{ID: "msg_2", Role: "assistant"},
		Parts: []opencodesdk.Part{{Type: "text", Text: "made a change"}},
	}})
	require.NoError(t, f.syncer.PollSession(ctx, "ses_1", key))
	require.Len(t, f.telegram.Sent(), 1)

	// New content is forwarded.
	f.backend.SetMessages("ses_1", []opencodesdk.MessageWithParts{{
		Info:  opencodesdk.MessageInfo{ID: "msg_3", Role: "assistant"},
		Parts: []opencodesdk.Part{{Type: "text", Text: "made another change"}},
	}})
	require.NoError(t, f.syncer.PollSession(ctx, "ses_1", key))
	require.Len(t, f.telegram.Sent(), 2)
}

func TestPollSessionSkipWindow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := testutil.Context(t, testutil.WaitShort)
	key := sharedsync.TopicKey{ChatID: 100, ThreadID: 200}

	f.backend.SetMessages("ses_1", []opencodesdk.MessageWithParts{{
		Info:  opencodesdk.MessageInfo{ID: "msg_1", Role: "assistant"},
		Parts: []opencodesdk.Part{{Type: "text", Text: "from the bridge round"}},
	}})

	require.NoError(t, sharedsync.SetSkipWindow(ctx, f.store, "ses_1", time.Now().Add(time.Hour)))
	require.NoError(t, f.syncer.PollSession(ctx, "ses_1", key))
	require.Empty(t, f.telegram.Sent())

	// An expired window no longer suppresses.
	require.NoError(t, sharedsync.SetSkipWindow(ctx, f.store, "ses_1", time.Now().Add(-time.Minute)))
	require.NoError(t, f.syncer.PollSession(ctx, "ses_1", key))
	require.Len(t, f.telegram.Sent(), 1)
}

func TestPollSessionForwardsUserAndSteps(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *sharedsync.Config) {
		cfg.ForwardUser = true
		cfg.ForwardSteps = true
	})
	ctx := testutil.Context(t, testutil.WaitShort)
	key := sharedsync.TopicKey{ChatID: 100, ThreadID: 200}

	f.backend.SetMessages("ses_1", []opencodesdk.MessageWithParts{
		{
			Info:  opencodesdk.MessageInfo{ID: "msg_1", Role: "user"},
			Parts: []opencodesdk.Part{{Type: "text", Text: "please fix the build"}},
		},
		{
			Info: opencodesdk.MessageInfo{ID: "msg_2", Role: "assistant"},
			Parts: []opencodesdk.Part{
				{Type: "tool-call", Tool: "bash"},
				{Type: "text", Text: "fixed it"},
			},
		},
	})

	require.NoError(t, f.syncer.PollSession(ctx, "ses_1", key))

	var texts []string
	for _, sent := range f.telegram.Sent() {
		texts = append(texts, sent.Text)
	}
	require.Contains(t, texts, "fixed it")
	require.Contains(t, texts, "User: please fix the build")
	require.Contains(t, texts, "Steps:\n- Tool: bash")

	// A prompt that originated in the chat thread is not echoed.
	f.backend.SetMessages("ses_1", []opencodesdk.MessageWithParts{
		{
			Info:  opencodesdk.MessageInfo{ID: "msg_3", Role: "user"},
			Parts: []opencodesdk.Part{{Type: "text", Text: "from telegram"}},
		},
		{
			Info:  opencodesdk.MessageInfo{ID: "msg_4", Role: "assistant"},
			Parts: []opencodesdk.Part{{Type: "text", Text: "second reply"}},
		},
	})
	require.NoError(t, f.store.SetKV(ctx,
		sharedsync.LastUserFromChatKey(100, 200), sharedsync.HashText("from telegram")))

	require.NoError(t, f.syncer.PollSession(ctx, "ses_1", key))
	for _, sent := range f.telegram.Sent() {
		require.NotEqual(t, "User: from telegram", sent.Text)
	}
}

func TestFormatStepPart(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		part opencodesdk.Part
		want string
	}{
		{"TextSkipped", opencodesdk.Part{Type: "text", Text: "hi"}, ""},
		{"Summary", opencodesdk.Part{Type: "reasoning", Summary: "thought about it"}, "thought about it"},
		{"StepStart", opencodesdk.Part{Type: "step-start", Name: "plan"}, "Step: plan"},
		{"StepStartBare", opencodesdk.Part{Type: "step-start"}, "Step started"},
		{"StepFinish", opencodesdk.Part{Type: "step-finish"}, "Step finished"},
		{"ToolCall", opencodesdk.Part{Type: "tool-call", Tool: "bash"}, "Tool: bash"},
		{"ToolResultBare", opencodesdk.Part{Type: "tool-result"}, "Tool result"},
		{"Unknown", opencodesdk.Part{Type: "snapshot"}, "snapshot"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, sharedsync.FormatStepPart(tc.part))
		})
	}
}

package opencodesdk_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocbridge/ocbridge/opencodesdk"
	"github.com/ocbridge/ocbridge/opencodesdk/opencodetest"
	"github.com/ocbridge/ocbridge/testutil"
)

func TestClientSessions(t *testing.T) {
	t.Parallel()

	server := opencodetest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	require.True(t, client.Healthy(ctx))

	session, err := client.CreateSession(ctx, opencodesdk.CreateSessionRequest{
		Title: "tg:100:200",
	})
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)
	require.Equal(t, "tg:100:200", session.Title)

	err = client.UpdateSession(ctx, session.ID, opencodesdk.UpdateSessionRequest{
		Title: "renamed",
	})
	require.NoError(t, err)

	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "renamed", sessions[0].Title)
}

func TestClientHealthy(t *testing.T) {
	t.Parallel()

	server := opencodetest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	require.True(t, client.Healthy(ctx))
	server.SetHealthy(false)
	require.False(t, client.Healthy(ctx))
}

func TestClientPrompt(t *testing.T) {
	t.Parallel()

	t.Run("OK", func(t *testing.T) {
		t.Parallel()

		server := opencodetest.New(t)
		client := server.Client()
		ctx := testutil.Context(t, testutil.WaitShort)

		err := client.Prompt(ctx, "ses_1", opencodesdk.PromptRequest{
			Parts: []opencodesdk.PromptPart{{Type: "text", Text: "hello"}},
			Model: &opencodesdk.Model{ProviderID: "anthropic", ModelID: "claude"},
		})
		require.NoError(t, err)

		prompts := server.Prompts()
		require.Len(t, prompts, 1)
		require.Equal(t, "ses_1", prompts[0].SessionID)
		require.Equal(t, "hello", prompts[0].Request.Parts[0].Text)
		require.Equal(t, "anthropic", prompts[0].Request.Model.ProviderID)
	})

	t.Run("Error", func(t *testing.T) {
		t.Parallel()

		server := opencodetest.New(t)
		server.PromptErrorStatus = 422
		client := server.Client()
		ctx := testutil.Context(t, testutil.WaitShort)

		err := client.Prompt(ctx, "ses_1", opencodesdk.PromptRequest{
			Parts: []opencodesdk.PromptPart{{Type: "text", Text: "hello"}},
		})
		require.Error(t, err)
		var sdkErr *opencodesdk.Error
		require.ErrorAs(t, err, &sdkErr)
		require.Equal(t, 422, sdkErr.StatusCode)
		require.Empty(t, server.Prompts())
	})
}

func TestClientRespondPermission(t *testing.T) {
	t.Parallel()

	server := opencodetest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	err := client.RespondPermission(ctx, "ses_1", "perm_1", opencodesdk.PermissionResponse{
		Response: "always",
	})
	require.NoError(t, err)

	perms := server.Permissions()
	require.Len(t, perms, 1)
	require.Equal(t, "ses_1", perms[0].SessionID)
	require.Equal(t, "perm_1", perms[0].PermissionID)
	require.Equal(t, "always", perms[0].Response)
}

func TestListMessagesQuery(t *testing.T) {
	t.Parallel()

	var gotPath, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte("[]"))
	}))
	t.Cleanup(srv.Close)

	client, err := opencodesdk.New(srv.URL)
	require.NoError(t, err)
	ctx := testutil.Context(t, testutil.WaitShort)

	// The limit must travel as a query string, not as part of the
	// escaped path.
	_, err = client.ListMessages(ctx, "ses_1", 50)
	require.NoError(t, err)
	require.Equal(t, "/session/ses_1/message", gotPath)
	require.Equal(t, "50", gotLimit)
}

func TestClientLastMessages(t *testing.T) {
	t.Parallel()

	server := opencodetest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	server.SetMessages("ses_1", []opencodesdk.MessageWithParts{
		{
			Info:  opencodesdk.MessageInfo{ID: "msg_1", Role: "user"},
			Parts: []opencodesdk.Part{{Type: "text", Text: "question"}},
		},
		{
			Info:  opencodesdk.MessageInfo{ID: "msg_2", Role: "assistant"},
			Parts: []opencodesdk.Part{{Type: "tool", Tool: "bash"}},
		},
		{
			Info:  opencodesdk.MessageInfo{ID: "msg_3", Role: "assistant"},
			Parts: []opencodesdk.Part{{Type: "text", Text: "answer"}},
		},
	})

	msg, ok, err := client.LastAssistantMessage(ctx, "ses_1", true)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "msg_3", msg.Info.ID)
	require.Equal(t, "answer", msg.TextContent())

	msg, ok, err = client.LastUserMessage(ctx, "ses_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "msg_1", msg.Info.ID)

	// A session with only non-text assistant output yields nothing
	// when text is required.
	server.SetMessages("ses_2", []opencodesdk.MessageWithParts{
		{
			Info:  opencodesdk.MessageInfo{ID: "msg_4", Role: "assistant"},
			Parts: []opencodesdk.Part{{Type: "tool", Tool: "bash"}},
		},
	})
	_, ok, err = client.LastAssistantMessage(ctx, "ses_2", true)
	require.NoError(t, err)
	require.False(t, ok)
}

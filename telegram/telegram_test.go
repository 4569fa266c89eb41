package telegram_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/ocbridge/ocbridge/telegram"
	"github.com/ocbridge/ocbridge/telegram/telegramtest"
	"github.com/ocbridge/ocbridge/testutil"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "short", telegram.Truncate("short"))

	exact := strings.Repeat("a", telegram.MaxMessageLength)
	require.Equal(t, exact, telegram.Truncate(exact))

	long := strings.Repeat("a", telegram.MaxMessageLength+100)
	got := telegram.Truncate(long)
	require.Len(t, got, telegram.MaxMessageLength+3)
	require.True(t, strings.HasSuffix(got, "..."))

	// The cut must not split a multi-byte rune.
	multibyte := "a" + strings.Repeat("é", telegram.MaxMessageLength)
	got = telegram.Truncate(multibyte)
	require.True(t, utf8.ValidString(got))
	require.LessOrEqual(t, len(got), telegram.MaxMessageLength+3)
	require.True(t, strings.HasSuffix(got, "..."))
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	server := telegramtest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	msg, err := client.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:          100,
		MessageThreadID: 200,
		Text:            "hello",
		ReplyMarkup: &telegram.InlineKeyboardMarkup{
			InlineKeyboard: [][]telegram.InlineKeyboardButton{{
				{Text: "Allow", CallbackData: "perm:100:200:p1:allow"},
				{Text: "Deny", CallbackData: "perm:100:200:p1:deny"},
			}},
		},
	})
	require.NoError(t, err)
	require.NotZero(t, msg.MessageID)
	require.Equal(t, int64(100), msg.Chat.ID)

	sent := server.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "hello", sent[0].Text)
	require.Equal(t, int64(200), sent[0].MessageThreadID)
	require.NotNil(t, sent[0].ReplyMarkup)
	require.Equal(t, "perm:100:200:p1:allow", sent[0].ReplyMarkup.InlineKeyboard[0][0].CallbackData)
}

func TestSendMessageTruncates(t *testing.T) {
	t.Parallel()

	server := telegramtest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	_, err := client.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID: 100,
		Text:   strings.Repeat("x", telegram.MaxMessageLength*2),
	})
	require.NoError(t, err)

	sent := server.Sent()
	require.Len(t, sent, 1)
	require.Len(t, sent[0].Text, telegram.MaxMessageLength+3)
}

func TestEditMessageText(t *testing.T) {
	t.Parallel()

	server := telegramtest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	msg, err := client.SendMessage(ctx, telegram.SendMessageRequest{ChatID: 100, Text: "v1"})
	require.NoError(t, err)

	err = client.EditMessageText(ctx, telegram.EditMessageTextRequest{
		ChatID:    100,
		MessageID: msg.MessageID,
		Text:      "v2",
	})
	require.NoError(t, err)
	require.Equal(t, "v2", server.LastText(100))
}

func TestGetUpdates(t *testing.T) {
	t.Parallel()

	server := telegramtest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	server.QueueUpdate(telegram.Update{
		UpdateID: 7,
		Message: &telegram.Message{
			MessageID:       1,
			MessageThreadID: 200,
			Chat:            telegram.Chat{ID: 100, Type: "supergroup"},
			Text:            "do the thing",
		},
	})

	updates, err := client.GetUpdates(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, int64(7), updates[0].UpdateID)
	require.Equal(t, "do the thing", updates[0].Message.Text)

	// Advancing the offset past the update drains it.
	server.QueueUpdate(telegram.Update{UpdateID: 8, Message: &telegram.Message{Chat: telegram.Chat{ID: 100}}})
	updates, err = client.GetUpdates(ctx, 8, 1)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, int64(8), updates[0].UpdateID)
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	server := telegramtest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	err := client.SetWebhook(ctx, "https://bridge.example.com/telegram/webhook", "s3cret")
	require.NoError(t, err)
	require.Equal(t, "https://bridge.example.com/telegram/webhook", server.Webhook())

	err = client.DeleteWebhook(ctx)
	require.NoError(t, err)
	require.Empty(t, server.Webhook())
}

func TestAnswerCallbackQuery(t *testing.T) {
	t.Parallel()

	server := telegramtest.New(t)
	client := server.Client()
	ctx := testutil.Context(t, testutil.WaitShort)

	require.NoError(t, client.AnswerCallbackQuery(ctx, "cb_1", "done"))
	require.Equal(t, []telegramtest.Answer{{CallbackQueryID: "cb_1", Text: "done"}}, server.Answered())
}

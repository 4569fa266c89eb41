package cli

import (
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coder/serpent"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/ocbridge/ocbridge/bridged"
	"github.com/ocbridge/ocbridge/bridged/database"
	"github.com/ocbridge/ocbridge/bridged/instance"
	"github.com/ocbridge/ocbridge/bridged/promptloop"
	"github.com/ocbridge/ocbridge/bridged/sharedsync"
	"github.com/ocbridge/ocbridge/telegram"
)

func server() *serpent.Command {
	var (
		botToken      string
		ownerChatID   int64
		allowedChats  []string
		workspaceRoot string
		dbPath        string

		opencodeBin        string
		sharedURL          string
		sharedUsername     string
		sharedPasswordFile string
		maxInstances       int64
		idleTimeout        time.Duration

		defaultAgent    string
		defaultModel    string
		defaultProvider string

		updatesMode     string
		webhookListen   string
		webhookPath     string
		webhookURL      string
		webhookSecret   string
		webhookFallback time.Duration

		syncEnabled  bool
		syncInterval time.Duration
		forwardUser  bool
		forwardSteps bool

		retentionDays int64
		maxTopics     int64
		verbose       bool
	)

	cmd := &serpent.Command{
		Use:   "server",
		Short: "Run the bridge daemon.",
		Options: serpent.OptionSet{
			{
				Flag:        "bot-token",
				Env:         "TELEGRAM_BOT_TOKEN",
				Description: "Telegram bot API token. Required.",
				Value:       serpent.StringOf(&botToken),
			},
			{
				Flag:        "owner-chat-id",
				Env:         "OCBRIDGE_OWNER_CHAT_ID",
				Description: "Telegram user ID allowed to pair new chats. Zero disables the gate.",
				Value:       serpent.Int64Of(&ownerChatID),
			},
			{
				Flag:        "allowed-chat-ids",
				Env:         "OCBRIDGE_ALLOWED_CHAT_IDS",
				Description: "Chat IDs allowed to use the bridge. Empty allows every chat.",
				Value:       serpent.StringArrayOf(&allowedChats),
			},
			{
				Flag:        "workspace-root",
				Env:         "OPENCODE_WORKSPACE_ROOT",
				Description: "Directory that relative /map paths and implicit topic-title mappings resolve under.",
				Value:       serpent.StringOf(&workspaceRoot),
			},
			{
				Flag:        "db",
				Env:         "OCBRIDGE_DB",
				Description: "Path to the sqlite state database.",
				Default:     "ocbridge.db",
				Value:       serpent.StringOf(&dbPath),
			},
			{
				Flag:        "opencode-bin",
				Env:         "OPENCODE_BIN",
				Description: "Opencode binary used to spawn per-workspace servers.",
				Default:     "opencode",
				Value:       serpent.StringOf(&opencodeBin),
			},
			{
				Flag:        "opencode-server-url",
				Env:         "OPENCODE_SERVER_URL",
				Description: "Shared opencode server base URL. When set, no per-workspace processes are spawned.",
				Value:       serpent.StringOf(&sharedURL),
			},
			{
				Flag:        "opencode-server-username",
				Env:         "OPENCODE_SERVER_USERNAME",
				Description: "Basic auth username for the shared server.",
				Value:       serpent.StringOf(&sharedUsername),
			},
			{
				Flag:        "opencode-server-password-file",
				Env:         "OPENCODE_SERVER_PASSWORD_FILE",
				Description: "File containing the basic auth password for the shared server.",
				Value:       serpent.StringOf(&sharedPasswordFile),
			},
			{
				Flag:        "max-instances",
				Env:         "OCBRIDGE_MAX_INSTANCES",
				Description: "Cap on concurrently running opencode servers.",
				Default:     "5",
				Value:       serpent.Int64Of(&maxInstances),
			},
			{
				Flag:        "idle-timeout",
				Env:         "OCBRIDGE_IDLE_TIMEOUT",
				Description: "Stop instances unused for this long.",
				Default:     "1h",
				Value:       serpent.DurationOf(&idleTimeout),
			},
			{
				Flag:        "agent",
				Env:         "OCBRIDGE_AGENT",
				Description: "Agent name passed with every prompt.",
				Value:       serpent.StringOf(&defaultAgent),
			},
			{
				Flag:        "model",
				Env:         "OCBRIDGE_MODEL",
				Description: "Default model as provider/model. A persisted /model choice overrides this.",
				Value:       serpent.StringOf(&defaultModel),
			},
			{
				Flag:        "provider",
				Env:         "OCBRIDGE_PROVIDER",
				Description: "Provider prefixed onto bare /model arguments.",
				Default:     "anthropic",
				Value:       serpent.StringOf(&defaultProvider),
			},
			{
				Flag:        "updates-mode",
				Env:         "OCBRIDGE_UPDATES_MODE",
				Description: "How updates are consumed.",
				Default:     "polling",
				Value:       serpent.EnumOf(&updatesMode, "polling", "webhook"),
			},
			{
				Flag:        "webhook-listen",
				Env:         "OCBRIDGE_WEBHOOK_LISTEN",
				Description: "Listen address for webhook mode.",
				Default:     "127.0.0.1:8787",
				Value:       serpent.StringOf(&webhookListen),
			},
			{
				Flag:        "webhook-path",
				Env:         "OCBRIDGE_WEBHOOK_PATH",
				Description: "URL path webhook deliveries arrive on.",
				Default:     "/telegram/webhook",
				Value:       serpent.StringOf(&webhookPath),
			},
			{
				Flag:        "webhook-public-url",
				Env:         "OCBRIDGE_WEBHOOK_PUBLIC_URL",
				Description: "Externally reachable base URL registered with Telegram. Empty skips registration.",
				Value:       serpent.StringOf(&webhookURL),
			},
			{
				Flag:        "webhook-secret",
				Env:         "OCBRIDGE_WEBHOOK_SECRET",
				Description: "Shared secret Telegram echoes back on each delivery.",
				Value:       serpent.StringOf(&webhookSecret),
			},
			{
				Flag:        "webhook-fallback",
				Env:         "OCBRIDGE_WEBHOOK_FALLBACK",
				Description: "Fall back to polling after this long without a webhook delivery. Zero disables.",
				Default:     "15m",
				Value:       serpent.DurationOf(&webhookFallback),
			},
			{
				Flag:        "sync",
				Env:         "OCBRIDGE_SYNC",
				Description: "Forward replies produced outside the chat (for example via the web UI). Shared mode only.",
				Default:     "true",
				Value:       serpent.BoolOf(&syncEnabled),
			},
			{
				Flag:        "sync-interval",
				Env:         "OCBRIDGE_SYNC_INTERVAL",
				Description: "How often monitored sessions are polled.",
				Default:     "10s",
				Value:       serpent.DurationOf(&syncInterval),
			},
			{
				Flag:        "sync-forward-user",
				Env:         "OCBRIDGE_SYNC_FORWARD_USER",
				Description: "Also forward user prompts that originated outside the chat.",
				Value:       serpent.BoolOf(&forwardUser),
			},
			{
				Flag:        "sync-forward-steps",
				Env:         "OCBRIDGE_SYNC_FORWARD_STEPS",
				Description: "Also forward a summary of the agent's tool steps.",
				Value:       serpent.BoolOf(&forwardSteps),
			},
			{
				Flag:        "retention-days",
				Env:         "OCBRIDGE_RETENTION_DAYS",
				Description: "Prune topics untouched for this many days.",
				Default:     "30",
				Value:       serpent.Int64Of(&retentionDays),
			},
			{
				Flag:        "max-topics",
				Env:         "OCBRIDGE_MAX_TOPICS",
				Description: "Keep at most this many topics, newest first.",
				Default:     "500",
				Value:       serpent.Int64Of(&maxTopics),
			},
			{
				Flag:          "verbose",
				FlagShorthand: "v",
				Env:           "OCBRIDGE_VERBOSE",
				Description:   "Enable debug logging.",
				Value:         serpent.BoolOf(&verbose),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			if botToken == "" {
				return xerrors.New("a Telegram bot token is required; set --bot-token or TELEGRAM_BOT_TOKEN")
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.Make(sloghuman.Sink(inv.Stderr)).Leveled(level)

			ctx, stop := signal.NotifyContext(inv.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := database.Open(dbPath)
			if err != nil {
				return xerrors.Errorf("open state database: %w", err)
			}
			defer store.Close()

			tg := telegram.New(botToken)
			me, err := tg.GetMe(ctx)
			if err != nil {
				// The token may still be good; Telegram hiccups at
				// startup should not kill the daemon.
				logger.Warn(ctx, "verify bot token", slog.Error(err))
			} else {
				logger.Info(ctx, "authenticated", slog.F("username", me.Username))
			}

			instances, err := instance.New(instance.Config{
				Logger:       logger.Named("instance"),
				Command:      opencodeBin,
				SharedURL:    sharedURL,
				MaxInstances: int(maxInstances),
				IdleTimeout:  idleTimeout,
			})
			if err != nil {
				return xerrors.Errorf("create instance manager: %w", err)
			}
			defer instances.Close()

			var shared *instance.Instance
			if sharedURL != "" {
				shared, err = instances.EnsureRunning(ctx, "", 0)
				if err != nil {
					return xerrors.Errorf("reach shared server: %w", err)
				}
				err = authenticate(shared, sharedUsername, sharedPasswordFile)
				if err != nil {
					return err
				}
			}

			runner := promptloop.New(promptloop.Config{
				Logger:   logger.Named("promptloop"),
				Telegram: tg,
			})

			cfg := bridged.Config{
				Logger:           logger.Named("bridged"),
				Store:            store,
				Telegram:         tg,
				Instances:        instances,
				Runner:           runner,
				WorkspaceRoot:    workspaceRoot,
				OwnerChatID:      ownerChatID,
				AllowedChats:     parseChatIDs(allowedChats),
				DefaultAgent:     defaultAgent,
				DefaultModel:     defaultModel,
				DefaultProvider:  defaultProvider,
				Retention:        time.Duration(retentionDays) * 24 * time.Hour,
				MaxTopics:        int(maxTopics),
				WebhookListen:    webhookListen,
				WebhookPath:      webhookPath,
				WebhookPublicURL: webhookURL,
				WebhookSecret:    webhookSecret,
				WebhookFallback:  webhookFallback,
			}

			// The syncer consults the daemon's allow-list, which only
			// exists once the daemon is built. Late-bind it.
			var srv *bridged.Server
			if syncEnabled && shared != nil {
				cfg.Syncer = sharedsync.New(sharedsync.Config{
					Logger:       logger.Named("sharedsync"),
					Store:        store,
					Client:       shared.Client(),
					Telegram:     tg,
					Interval:     syncInterval,
					Allowed:      func(chatID int64) bool { return srv.Allowed(chatID) },
					ForwardUser:  forwardUser,
					ForwardSteps: forwardSteps,
				})
			}
			srv, err = bridged.New(ctx, cfg)
			if err != nil {
				return xerrors.Errorf("create daemon: %w", err)
			}

			srv.WarmSessions(ctx)

			if updatesMode == "webhook" {
				return srv.RunWebhook(ctx)
			}
			return srv.RunPolling(ctx)
		},
	}
	return cmd
}

// authenticate loads shared-server credentials onto the shared
// instance's client.
func authenticate(inst *instance.Instance, username, passwordFile string) error {
	if username == "" && passwordFile == "" {
		return nil
	}
	inst.Client().Username = username
	if passwordFile != "" {
		password, err := os.ReadFile(passwordFile)
		if err != nil {
			return xerrors.Errorf("read shared server password: %w", err)
		}
		inst.Client().Password = strings.TrimSpace(string(password))
	}
	return nil
}

func parseChatIDs(raw []string) []int64 {
	var ids []int64
	for _, field := range raw {
		for _, part := range strings.Split(field, ",") {
			if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

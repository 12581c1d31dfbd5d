package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/logging"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
	"github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/storage/csvlog"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	path    string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "chatlog",
		Short: "Inspect and maintain the relay's CSV chat log",
		Long: `chatlog works on the same CSV file the API server loads at startup.

Available subcommands:
  inspect - Print the chats stored in the log
  migrate - Convert a legacy single-chat log to the current layout
  ask     - Send a prompt to the configured AI provider`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.path, "file", "", "chat log path (default $CHAT_LOG_PATH or messages.csv)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newInspectCmd(opts), newMigrateCmd(opts), newAskCmd(opts))
	return root
}

func (o *options) logger() *zap.Logger {
	if !o.verbose {
		return zap.NewNop()
	}
	logger, err := logging.New("debug", true)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (o *options) store() (*csvlog.Store, error) {
	path := o.path
	if path == "" {
		var storage config.StorageConfig
		if err := cleanenv.ReadEnv(&storage); err != nil {
			return nil, fmt.Errorf("read storage config: %w", err)
		}
		path = storage.Path
	}
	return csvlog.New(path, o.logger()), nil
}

func newInspectCmd(opts *options) *cobra.Command {
	var chatID string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the chats stored in the log",
		Long: `Load the chat log and print one line per chat with its message count.
With --chat the full history of that chat is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := opts.store()
			if err != nil {
				return err
			}
			chats, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if chatID == "" {
				fmt.Fprintf(out, "%s: %d chats\n", store.Path(), len(chats))
				for _, c := range chats {
					fmt.Fprintf(out, "%s\t%d messages\n", c.ID, len(c.Messages))
				}
				return nil
			}

			for _, c := range chats {
				if c.ID != chatID {
					continue
				}
				for _, msg := range c.Messages {
					speaker := "user"
					if msg.IsAI {
						speaker = "ai"
					}
					fmt.Fprintf(out, "%s\t%s\t%s\n", msg.Timestamp, speaker, msg.Text)
				}
				return nil
			}
			return fmt.Errorf("%w: %s", chat.ErrChatNotFound, chatID)
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "print the messages of one chat")
	return cmd
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Convert a legacy single-chat log to the current layout",
		Long: `Loading a log written under the old chat-less header rewrites it
in place with a generated chat id. Current logs are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := opts.store()
			if err != nil {
				return err
			}
			chats, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chats ready\n", store.Path(), len(chats))
			return nil
		},
	}
}

func newAskCmd(opts *options) *cobra.Command {
	var (
		chatID  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send a prompt to the configured AI provider",
		Long: `Send a prompt to the provider selected by AI_PROVIDER and print the reply.
With --chat the prompt is posted to a stored chat: its history is replayed
into the new session and both messages are saved back to the log.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("配置加载失败: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			provider, err := ai.NewProvider(ctx, cfg.AI)
			if err != nil {
				return err
			}
			prompt := strings.Join(args, " ")

			if chatID == "" {
				session, err := provider.NewSession(ctx)
				if err != nil {
					return err
				}
				reply, err := session.Send(ctx, prompt)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			}

			if opts.path == "" {
				opts.path = cfg.Storage.Path
			}
			store, err := opts.store()
			if err != nil {
				return err
			}
			logger := opts.logger()
			svc := chat.NewService(chat.NewRegistry(provider, logger), store, logger)
			if err := svc.Load(ctx); err != nil {
				return err
			}

			result, err := svc.PostMessage(ctx, chatID, prompt, true)
			if err != nil {
				return err
			}
			if err := svc.Flush(context.WithoutCancel(ctx)); err != nil {
				return err
			}
			if result.AIError != nil {
				return errors.Join(errors.New("user message saved without a reply"), result.AIError)
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Messages[len(result.Messages)-1].Text)
			return nil
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "post the prompt to this stored chat")
	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "overall request timeout")
	return cmd
}

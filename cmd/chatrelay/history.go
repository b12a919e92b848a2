package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chatrelay/internal/domain"
	"chatrelay/internal/memory"
)

func historyCmd() *cobra.Command {
	var (
		limit int
		wipe  bool
	)
	cmd := &cobra.Command{
		Use:   "history [routing-key]",
		Short: "List stored conversations or show one",
		Long: "Without arguments, lists the most recently active conversations.\n" +
			"With a routing key such as telegram:42, prints that conversation's messages.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			if len(args) == 0 {
				if wipe {
					return fmt.Errorf("--clear needs a routing key")
				}
				convs, err := store.ListConversations(ctx, limit)
				if err != nil {
					return err
				}
				return printConversations(ctx, store, w, convs)
			}

			key := args[0]
			if wipe {
				if err := store.DeleteConversation(ctx, key); err != nil {
					return err
				}
				fmt.Fprintf(w, "cleared %s\n", key)
				return nil
			}
			conv, err := store.GetConversation(ctx, key)
			if err != nil {
				return err
			}
			if conv == nil {
				return fmt.Errorf("no conversation %q", key)
			}
			msgs, err := store.GetMessages(ctx, key, limit)
			if err != nil {
				return err
			}
			printMessages(w, conv, msgs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of conversations or messages to show")
	cmd.Flags().BoolVar(&wipe, "clear", false, "delete the conversation and its messages")
	return cmd
}

func printConversations(ctx context.Context, store *memory.SQLiteStore, w io.Writer, convs []domain.Conversation) error {
	if len(convs) == 0 {
		fmt.Fprintln(w, "no conversations stored")
		return nil
	}
	fmt.Fprintf(w, "%-28s %-9s %-16s %s\n", "ROUTING KEY", "MESSAGES", "ACTIVE", "TITLE")
	for _, c := range convs {
		n, err := store.CountMessages(ctx, c.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-28s %-9d %-16s %s\n", c.ID, n, humanize.Time(c.UpdatedAt), c.Title)
	}
	return nil
}

func printMessages(w io.Writer, conv *domain.Conversation, msgs []domain.MessageRecord) {
	fmt.Fprintf(w, "%s  %q  (started %s)\n\n", conv.ID, conv.Title, humanize.Time(conv.CreatedAt))
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s:\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Role)
		for _, line := range strings.Split(strings.TrimRight(m.Content, "\n"), "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
		if m.Role == domain.RoleAssistant && m.LatencyMs > 0 {
			fmt.Fprintf(w, "  (%d tokens, %s)\n", m.TokensOut, humanize.SIWithDigits(float64(m.LatencyMs)/1000, 1, "s"))
		}
	}
}

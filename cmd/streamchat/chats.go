package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"streamchat/internal/chat"
	"streamchat/internal/config"
	"streamchat/internal/crypto"
	"streamchat/internal/session"
	"streamchat/internal/storage"
)

func newChatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Inspect and manage stored chats",
	}
	cmd.AddCommand(newChatsListCmd(), newChatsShowCmd(), newChatsDeleteCmd(), newChatsResealCmd())
	return cmd
}

// withHistory opens the configured store for a one-shot command.
func withHistory(ctx context.Context, fn func(h *session.History, store chat.Store, cipher *crypto.Manager) error) error {
	cfg, err := config.StoreOnly(envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log.Level)
	cipher, err := newCipher(cfg.Crypto)
	if err != nil {
		return fmt.Errorf("init crypto manager: %w", err)
	}
	store, err := openStore(ctx, cfg, cipher)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	return fn(session.NewHistory(store, log.Logger), store, cipher)
}

func newChatsListCmd() *cobra.Command {
	var opts struct {
		Limit int
	}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chats, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(cmd.Context(), func(h *session.History, _ chat.Store, _ *crypto.Manager) error {
				chats, err := h.List(cmd.Context())
				if err != nil {
					return err
				}
				if opts.Limit > 0 && len(chats) > opts.Limit {
					chats = chats[:opts.Limit]
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCREATED\tMESSAGES\tTITLE")
				for _, c := range chats {
					created := time.UnixMilli(c.CreatedAt).Format(time.RFC3339)
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, created, len(c.Messages), c.Title)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "show at most n chats")
	return cmd
}

func newChatsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a chat as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(h *session.History, _ chat.Store, _ *crypto.Manager) error {
				c, found, err := h.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("chat %s: %w", args[0], chat.ErrNotFound)
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(c)
			})
		},
	}
}

func newChatsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete chats",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(h *session.History, _ chat.Store, _ *crypto.Manager) error {
				for _, id := range args {
					if err := h.Delete(cmd.Context(), id); err != nil {
						return fmt.Errorf("delete chat %s: %w", id, err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), "deleted", id)
				}
				return nil
			})
		},
	}
}

func newChatsResealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reseal",
		Short: "Re-encrypt stored messages under MASTER_KEY_CURRENT_ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(cmd.Context(), func(_ *session.History, store chat.Store, cipher *crypto.Manager) error {
				n, err := storage.Reseal(cmd.Context(), store, cipher)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resealed %d chats under key %s\n", n, cipher.CurrentKeyID())
				return nil
			})
		},
	}
}

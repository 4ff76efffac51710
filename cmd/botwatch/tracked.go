package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"botwatch/internal/app"
)

// withAdmin opens the store for the duration of fn.
func withAdmin(cmd *cobra.Command, opts *options, fn func(ctx context.Context, adm *app.Admin) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	adm, err := app.OpenAdmin(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = adm.Close(closeCtx)
	}()
	return fn(ctx, adm)
}

func newTrackedCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracked",
		Short: "Inspect or edit tracked bots of a server",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <server-id>",
			Short: "List tracked bots",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
					l, err := adm.Gateway().List(ctx, args[0])
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					ch := l.BroadcastChannel
					if ch == "" {
						ch = "(not set)"
					}
					fmt.Fprintf(out, "channel: %s\n", ch)
					rows := []string{"ID | NAME | LAST ONLINE"}
					for _, e := range l.Agents {
						last := "-"
						if e.LastOnline != nil {
							last = e.LastOnline.Local().Format(time.DateTime)
						}
						// columnize splits on the pipe
						name := strings.ReplaceAll(e.Name, "|", "/")
						if name == "" {
							name = "(left)"
						}
						rows = append(rows, fmt.Sprintf("%s | %s | %s", e.ID, name, last))
					}
					_, err = fmt.Fprintln(out, columnize.SimpleFormat(rows))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "add <server-id> <bot-id>",
			Short: "Start tracking a bot",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
					m, err := adm.Gateway().Add(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "tracking %s (%s)\n", m.Name, m.ID)
					return err
				})
			},
		},
		&cobra.Command{
			Use:     "remove <server-id> <bot-id>",
			Aliases: []string{"rm"},
			Short:   "Stop tracking a bot",
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
					if err := adm.Gateway().Remove(ctx, args[0], args[1]); err != nil {
						return err
					}
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "no longer tracking %s\n", args[1])
					return err
				})
			},
		},
	)
	return cmd
}

func newChannelCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage the broadcast channel of a server",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <server-id> <channel-id>",
		Short: "Post status cards to this channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, adm *app.Admin) error {
				ch, err := adm.Gateway().SetChannel(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "broadcast channel set to #%s (%s)\n", ch.Name, ch.ID)
				return err
			})
		},
	})
	return cmd
}

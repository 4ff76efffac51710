package main

import "github.com/spf13/cobra"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "botwatch",
		Short:         "Discord bot that announces when tracked bots go offline",
		Long:          "botwatch watches the presence of other bots in your Discord servers, posts a card when one goes offline or comes back, and keeps a status message for Lavalink nodes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config (json or yaml)")

	run := newRunCmd(opts)
	// plain `botwatch` runs the bot
	rootCmd.RunE = run.RunE

	rootCmd.AddCommand(
		run,
		newCheckCmd(opts),
		newTrackedCmd(opts),
		newChannelCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "strand",
		Short:         "Event-sourced agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildSessionsCmd(),
		buildEventsCmd(),
		buildVersionCmd(),
	)
	return root
}

func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the strand server",
		Long: `Start the strand server.

The server opens the ledger database, discovers skills, and serves the run
API until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect sessions on a running server",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(),
		"Base URL of the strand server")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List session ids, most recently active first",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSessionsList(cmd.Context(), serverURL)
			},
		},
		&cobra.Command{
			Use:   "state <sessionId>",
			Short: "Show a session's snapshot and pending state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSessionState(cmd.Context(), serverURL, args[0])
			},
		},
	)
	return cmd
}

func buildEventsCmd() *cobra.Command {
	var serverURL string
	var lastEventID string

	cmd := &cobra.Command{
		Use:   "events <runId>",
		Short: "Follow a run's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd.Context(), serverURL, args[0], lastEventID)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", defaultServerURL(),
		"Base URL of the strand server")
	cmd.Flags().StringVar(&lastEventID, "last-event-id", "",
		"Resume the stream after this event id")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the strand version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("strand %s\n", Version)
		},
	}
}

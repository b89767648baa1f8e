package main

import (
	"os"

	"github.com/MegaGrindStone/lm-chat/internal/client"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

type app struct {
	server string
	client client.Client
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)
)

const defaultServer = "http://localhost:8080"

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "lmchat",
		Short: "Chat with a local language model through an lm-chat server",
		Long: `lmchat talks to a running lm-chat server. It sends messages and prints the
streamed replies, and manages sessions, personas and settings.

Quick Start:
  lmchat models                      # List the models the server can use
  lmchat send "Hello"                # Send to the active session
  lmchat sessions                    # List sessions`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			a.client = client.New(a.server, nil)
		},
	}

	server := os.Getenv("LMCHAT_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&a.server, "server", server, "lm-chat server URL (env LMCHAT_SERVER)")

	root.AddCommand(
		newSendCmd(a),
		newCancelCmd(a),
		newModelsCmd(a),
		newSessionsCmd(a),
		newPersonasCmd(a),
		newSettingsCmd(a),
	)
	return root
}

package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/MegaGrindStone/lm-chat/internal/client"
	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/spf13/cobra"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List and manage chat sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.client.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), list)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "new",
			Short: "Create a session and make it active",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				sess, err := a.client.CreateSession(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s\n", sess.Name, idStyle.Render(sess.ID))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a session's chat log",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := a.client.Session(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printSession(cmd.OutOrStdout(), sess)
				return nil
			},
		},
		&cobra.Command{
			Use:   "use <id>",
			Short: "Make a session the active one",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.client.ActivateSession(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "rename <id> <name>",
			Short: "Rename a session",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := a.client.RenameSession(cmd.Context(), args[0], args[1])
				return err
			},
		},
		&cobra.Command{
			Use:   "model <id> <model>",
			Short: "Set the model a session sends to",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := a.client.SetSessionModel(cmd.Context(), args[0], args[1])
				return err
			},
		},
		&cobra.Command{
			Use:   "prompt <id> <text>",
			Short: "Set a session's system prompt; an empty text clears it",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				_, err := a.client.SetSystemPrompt(cmd.Context(), args[0], args[1])
				return err
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				list, err := a.client.DeleteSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printSessions(cmd.OutOrStdout(), list)
			},
		},
	)
	return cmd
}

func printSessions(w io.Writer, list client.SessionList) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, headerStyle.Render("ID")+"\t"+headerStyle.Render("NAME")+"\t"+
		headerStyle.Render("MODEL")+"\t"+headerStyle.Render("MESSAGES"))
	for _, s := range list.Sessions {
		name := s.Name
		if s.Active {
			name = "* " + name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, name, s.SelectedModel, strconv.Itoa(s.MessageCount))
	}
	return tw.Flush()
}

func printSession(w io.Writer, sess models.Session) {
	fmt.Fprintln(w, headerStyle.Render(sess.Name)+" "+idStyle.Render(sess.ID))
	if sess.SelectedModel != "" {
		fmt.Fprintln(w, systemStyle.Render("model: "+sess.SelectedModel))
	}
	if sess.CurrentSystemPrompt != "" {
		fmt.Fprintln(w, systemStyle.Render("system prompt: "+sess.CurrentSystemPrompt))
	}
	for _, msg := range sess.Messages {
		fmt.Fprintln(w, senderLabel(msg)+" "+msg.Text)
	}
}

func senderLabel(msg models.Message) string {
	switch {
	case msg.IsError && msg.Sender == models.SenderSystem:
		return errorStyle.Render("error")
	case msg.Sender == models.SenderUser:
		return userStyle.Render("you")
	case msg.Sender == models.SenderAssistant:
		return assistantStyle.Render("assistant")
	default:
		return systemStyle.Render(string(msg.Sender))
	}
}

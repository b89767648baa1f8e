package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPersonasCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "personas",
		Aliases: []string{"persona"},
		Short:   "List and manage saved system prompts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			personas, err := a.client.Personas(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(personas) == 0 {
				fmt.Fprintln(w, systemStyle.Render("No personas saved."))
			}
			for _, p := range personas {
				fmt.Fprintf(w, "%s %s\n  %s\n", headerStyle.Render(p.Name), idStyle.Render(p.ID), p.Prompt)
			}
			return nil
		},
	}

	var overwrite bool
	save := &cobra.Command{
		Use:   "save <name> <prompt>",
		Short: "Save a persona",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.client.SavePersona(cmd.Context(), args[0], args[1], overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s %s\n", p.Name, idStyle.Render(p.ID))
			return nil
		},
	}
	save.Flags().BoolVar(&overwrite, "overwrite", false, "replace a persona with the same name")

	cmd.AddCommand(
		save,
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a persona",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.client.DeletePersona(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

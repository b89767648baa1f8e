package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/spf13/cobra"
)

func newModelsCmd(a *app) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models served by the model server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fetch := a.client.Models
			if refresh {
				fetch = a.client.RefreshModels
			}
			list, err := fetch(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if list.Error != "" {
				fmt.Fprintln(w, errorStyle.Render(list.Error))
			}
			if len(list.Models) == 0 {
				fmt.Fprintln(w, systemStyle.Render("No models available."))
			}
			for _, m := range list.Models {
				fmt.Fprintln(w, m.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "fetch the list from the model server first")
	return cmd
}

func newSettingsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the global request settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.client.Settings(cmd.Context())
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), s)
		},
	}

	var (
		apiURL      string
		temperature float64
		maxTokens   int
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change settings; only the flags given are changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var patch models.SettingsPatch
			flags := cmd.Flags()
			if flags.Changed("api-url") {
				patch.APIBaseURL = &apiURL
			}
			if flags.Changed("temperature") {
				patch.Temperature = &temperature
			}
			if flags.Changed("max-tokens") {
				patch.MaxTokens = &maxTokens
			}
			if patch == (models.SettingsPatch{}) {
				return fmt.Errorf("nothing to change: pass --api-url, --temperature or --max-tokens")
			}

			s, err := a.client.UpdateSettings(cmd.Context(), patch)
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), s)
		},
	}
	set.Flags().StringVar(&apiURL, "api-url", "", "base URL of the OpenAI-compatible API")
	set.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature")
	set.Flags().IntVar(&maxTokens, "max-tokens", 0, "maximum tokens per reply")

	cmd.AddCommand(set)
	return cmd
}

func printSettings(w io.Writer, s models.GlobalSettings) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\n", headerStyle.Render("API URL"), s.APIBaseURL)
	fmt.Fprintf(tw, "%s\t%g\n", headerStyle.Render("Temperature"), s.Temperature)
	fmt.Fprintf(tw, "%s\t%d\n", headerStyle.Render("Max tokens"), s.MaxTokens)
	return tw.Flush()
}

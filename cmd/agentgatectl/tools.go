package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/lumastudio/agentgate/internal/pipeline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newToolsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool catalog",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools with their scopes and confirmation policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return writeToolTable(cmd.OutOrStdout(), a.pipeline.ListTools())
		},
	}

	var format string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export tool documentation with function-calling schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unsupported format %q (json, yaml)", format)
			}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return exportTools(cmd.OutOrStdout(), a.pipeline.ListTools(), format)
		},
	}
	exportCmd.Flags().StringVar(&format, "format", "json", "output format (json, yaml)")

	cmd.AddCommand(listCmd, exportCmd)
	return cmd
}

func writeToolTable(w io.Writer, tools []pipeline.ToolInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCONFIRMATION\tSCOPES\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Confirmation, strings.Join(t.RequiredScopes, ","), t.Description)
	}
	return tw.Flush()
}

func exportTools(w io.Writer, tools []pipeline.ToolInfo, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tools); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tools); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/analyzerkit/internal/format"
	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [analyzer]",
	Short: "List built-in analyzers",
	Long: `List the analyzers compiled into analyzerkit with the data types they
accept. Given an analyzer name, list its configuration items instead.

Examples:
  # List all analyzers
  analyzerkit list

  # Analyzers that accept IP addresses
  analyzerkit list --data-type ip

  # Configuration items of the MISP analyzer, as Markdown
  analyzerkit list misp --format markdown`,
	Args: cobra.MaximumNArgs(1),
	RunE: runList,
}

var (
	listDataType string
	listFormat   string
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listDataType, "data-type", "", "Only analyzers accepting this data type")
	listCmd.Flags().StringVar(&listFormat, "format", "table", "Output format: table, markdown")
}

func runList(cmd *cobra.Command, args []string) error {
	registry := builtinRegistry(nil)
	mode := format.ParseMode(listFormat)

	if len(args) > 0 {
		p, ok := registry.Get(args[0])
		if !ok {
			return fmt.Errorf("%w: %s", plugins.ErrUnknownPlugin, args[0])
		}
		return listConfigItems(cmd.OutOrStdout(), p, mode)
	}

	var list []plugins.Plugin
	if listDataType != "" {
		list = registry.ForDataType(strings.ToLower(listDataType))
	} else {
		list = registry.List()
	}
	return listAnalyzers(cmd.OutOrStdout(), list, mode)
}

func listAnalyzers(w io.Writer, list []plugins.Plugin, mode format.Mode) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "No analyzers found.")
		return nil
	}

	tb := format.NewTable(mode)
	tb.Header("Name", "Version", "Data types", "Description")
	for _, p := range list {
		tb.Row(p.Name(), p.Definition.Version, strings.Join(p.Definition.DataTypes, ", "), p.Summary())
	}
	tb.Columns(format.ColumnConfig{Number: 4, MaxWidth: 60})
	fmt.Fprintln(w, tb.String())
	return nil
}

func listConfigItems(w io.Writer, p plugins.Plugin, mode format.Mode) error {
	def := p.Definition
	fmt.Fprintf(w, "%s %s: %s\n\n", def.Name, def.Version, p.Summary())
	if len(def.ConfigurationItems) == 0 {
		fmt.Fprintln(w, "No configuration items.")
		return nil
	}

	tb := format.NewTable(mode)
	tb.Header("Name", "Type", "Required", "Default", "Description")
	for _, item := range def.ConfigurationItems {
		typ := item.Type
		if item.Multi {
			typ += "[]"
		}
		dflt := ""
		if item.DefaultValue != nil {
			dflt = fmt.Sprint(item.DefaultValue)
		}
		required := ""
		if item.Required {
			required = format.StatusMark(true)
		}
		tb.Row(item.Name, typ, required, dflt, item.Description)
	}
	tb.Columns(
		format.ColumnConfig{Number: 3, Align: format.AlignCenter},
		format.ColumnConfig{Number: 5, MaxWidth: 50},
	)
	fmt.Fprintln(w, tb.String())
	return nil
}

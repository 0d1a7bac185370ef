package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-nms/plugin"
)

func newFieldsCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "List the creation fields of a plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := plugin.NewCreator(name)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintf(w, "%s v%s\n", c.PluginName(), c.PluginVersion())
			fmt.Fprintln(w, "NAME\tTYPE\tLENGTH")
			for _, f := range c.FieldNames() {
				fmt.Fprintf(w, "%s\t%s\t%d\n", f.Name, f.Type, f.Length)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&name, "plugin", plugin.NameDynamic, "plugin name")
	return cmd
}

package cli

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"
)

func newToolsCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools sessions can call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, env, err := newToolRegistry(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer env.Cleanup()

			defs := registry.Definitions()
			if asJSON {
				enc := json.NewEncoder(a.ui.Out)
				enc.SetIndent("", "  ")
				return enc.Encode(defs)
			}

			table := a.ui.Table([]string{"Tool", "Parallel", "Description"})
			for _, d := range defs {
				parallel := ""
				if t := registry.Get(d.Name); t != nil && t.Parallel() {
					parallel = "yes"
				}
				desc, _, _ := strings.Cut(d.Description, "\n")
				table.Append([]string{cyan(d.Name), parallel, truncate(desc, 80)})
			}
			return table.Render()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full definitions with parameter schemas")
	return cmd
}

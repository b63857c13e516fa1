package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// serviceInfo mirrors the portal's /services listing.
type serviceInfo struct {
	Name       string   `json:"name"`
	Version    string   `json:"version,omitempty"`
	Title      string   `json:"title,omitempty"`
	Kind       string   `json:"kind"`
	Categories []string `json:"categories,omitempty"`
	Disabled   bool     `json:"disabled,omitempty"`
}

func newServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the services the portal offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []serviceInfo
			if err := client.GetJSON("/services", &infos); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tVERSION\tCATEGORIES\tTITLE")
			for _, info := range infos {
				name := info.Name
				if info.Disabled {
					name += " (disabled)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					name, info.Kind, info.Version,
					strings.Join(info.Categories, ","), info.Title)
			}
			return w.Flush()
		},
	}
}

package cli

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/mobgo/pkg/model"
)

func newListCmd() *cobra.Command {
	var (
		email   string
		service string
		status  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs known to the portal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if email != "" {
				q.Set("email", email)
			}
			if service != "" {
				q.Set("service", service)
			}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}

			var jobs []model.JobSummary
			if err := client.GetJSON("/jobs?"+q.Encode(), &jobs); err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSERVICE\tSTATUS\tCREATED\tEMAIL")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					j.Key, j.Service, j.Status, humanize.Time(j.Created), j.Email)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Only jobs owned by this address")
	cmd.Flags().StringVar(&service, "service", "", "Only jobs of this service")
	cmd.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to list")
	return cmd
}

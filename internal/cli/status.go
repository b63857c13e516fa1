package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var subjobs bool

	cmd := &cobra.Command{
		Use:   "status <job-url>",
		Short: "Check the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobURL := args[0]

			env, err := client.PostForm("/job_status", url.Values{"url": {jobURL}})
			if err != nil {
				return err
			}

			fmt.Printf("Job:    %s\n", jobURL)
			fmt.Printf("Status: %s\n", env.Status)
			if env.Message != "" {
				fmt.Printf("  %s\n", env.Message)
			}

			if !subjobs {
				return nil
			}
			sub, err := client.PostForm("/job_subjobs", url.Values{"url": {jobURL}})
			if err != nil {
				return err
			}
			if len(sub.Jobs) > 0 {
				fmt.Println("Sub-jobs:")
				for _, u := range sub.Jobs {
					fmt.Printf("  - %s\n", u)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&subjobs, "subjobs", false, "Also list workflow sub-jobs")
	return cmd
}

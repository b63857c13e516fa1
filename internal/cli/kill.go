package cli

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <job-url>",
		Short: "Kill a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := client.PostForm("/job_kill", url.Values{"url": {args[0]}})
			if err != nil {
				return err
			}
			fmt.Printf("Job:    %s\n", args[0])
			fmt.Printf("Status: %s\n", env.Status)
			return nil
		},
	}
}

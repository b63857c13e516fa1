package cli

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/mobgo/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var (
		email string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "submit <service> [param=value ...]",
		Short: "Submit a job to the portal",
		Long: `Submit a job. Parameters are given as name=value pairs; a value of
the form @path sends the content of a local file, the way sequence
data is usually passed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			form := url.Values{}
			form.Set("service", args[0])
			if email != "" {
				form.Set("email", email)
			}

			for _, arg := range args[1:] {
				name, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("parameter %q is not name=value", arg)
				}
				if path, isFile := strings.CutPrefix(value, "@"); isFile {
					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("read %s: %w", path, err)
					}
					value = string(data)
				}
				form.Set("param."+name, value)
			}

			env, err := client.PostForm("/job_submit", form)
			if err != nil {
				return err
			}

			fmt.Printf("Job:    %s\n", env.URL)
			fmt.Printf("Status: %s\n", env.Status)

			if !watch {
				return nil
			}
			return watchJob(env.URL)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Notification address recorded on the job")
	cmd.Flags().BoolVar(&watch, "watch", false, "Poll until the job ends")
	return cmd
}

// watchJob polls the job until it reaches a terminal state.
func watchJob(jobURL string) error {
	last := ""
	for {
		env, err := client.PostForm("/job_status", url.Values{"url": {jobURL}})
		if err != nil {
			return err
		}
		if env.Status != last {
			fmt.Printf("Status: %s\n", env.Status)
			last = env.Status
		}
		status := model.ParseStatus(env.Status)
		if status.IsEnded() {
			if status != model.StatusFinished {
				return fmt.Errorf("job ended with status %s: %s", env.Status, env.Message)
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

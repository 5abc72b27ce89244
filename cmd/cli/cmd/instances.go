package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhi-arya1/autoscaled/pkg/client"
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List instances with load, telemetry and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, endpoint)
		snap, err := c.Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tACTIVE\tCPU%\tMEM%\tDISK%\tHEALTHY\tDRAINING\tLAST HEARTBEAT")
		for _, inst := range snap.Instances {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%t\t%t\t%s\n",
				inst.Name, inst.ActiveRequests,
				inst.CurrentCPU, inst.CurrentMemory, inst.CurrentDisk,
				inst.Healthy, inst.Draining,
				ago(inst.LastHeartbeat))
		}
		return w.Flush()
	},
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func init() {
	rootCmd.AddCommand(instancesCmd)
}

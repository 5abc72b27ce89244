package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abhi-arya1/autoscaled/pkg/client"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet capacity and instance counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, endpoint)
		snap, err := c.Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		healthy, draining := 0, 0
		for _, inst := range snap.Instances {
			if inst.Draining {
				draining++
			} else if inst.Healthy {
				healthy++
			}
		}

		fmt.Printf("instances: %d (%d healthy, %d draining)\n", snap.InstanceCount, healthy, draining)
		fmt.Printf("capacity:  %d/%d slots in use\n", snap.CurrentCount, snap.MaxCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

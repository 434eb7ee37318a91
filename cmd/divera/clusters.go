package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"divera/internal/coordinator"
	"divera/internal/divera"

	"github.com/spf13/cobra"
)

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "List the memberships of the access key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := commandContext()
		defer cancel()

		transport := divera.NewTransport(cfg.Divera.BaseURL, cfg.Divera.Timeout, logger)
		snapshot, err := coordinator.Discover(ctx, transport, cfg.Divera.AccessKey)
		if err != nil {
			return err
		}
		memberships, err := coordinator.ResolveMemberships(snapshot, nil, allUCRs(snapshot))
		if err != nil {
			return err
		}
		def, _ := snapshot.DefaultUCR()

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(memberships)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "UCR ID\tCLUSTER ID\tCLUSTER\tDEFAULT")
		fmt.Fprintln(w, "------\t----------\t-------\t-------")
		for _, m := range memberships {
			marker := ""
			if m.UCRID == def {
				marker = "*"
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", m.UCRID, m.ClusterID, m.ClusterName, marker)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(clustersCmd)
}

func allUCRs(s *divera.Snapshot) []int {
	ids, err := s.AllUCRs()
	if err != nil {
		return nil
	}
	return ids
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"divera/internal/coordinator"
	"divera/internal/entity"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Pull once and print the entities of every configured membership",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := commandContext()
		defer cancel()

		group, err := startGroup(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer group.Stop()

		type cluster struct {
			UCRID    int            `json:"ucr_id"`
			Entities []entity.State `json:"entities"`
		}
		var out []cluster
		for _, c := range group.Coordinators() {
			out = append(out, cluster{UCRID: c.UCRID(), Entities: entity.All(c)})
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "UCR ID\tENTITY\tSTATE\tOPTIONS")
		fmt.Fprintln(w, "------\t------\t-----\t-------")
		for _, c := range out {
			for _, e := range c.Entities {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", c.UCRID, e.Name, e.State, strings.Join(e.Options, ", "))
			}
		}
		return w.Flush()
	},
}

var setStatusUCR int

var setStatusCmd = &cobra.Command{
	Use:   "set-status <name|id>",
	Short: "Set the user status of a membership",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if setStatusUCR != 0 {
			cfg.Divera.Clusters = nil
			cfg.Divera.UCRIDs = []int{setStatusUCR}
		}

		ctx, cancel := commandContext()
		defer cancel()

		group, err := startGroup(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer group.Stop()

		coordinators := group.Coordinators()
		if len(coordinators) != 1 {
			return fmt.Errorf("%w: %d memberships configured, select one with --ucr", coordinator.ErrUnknownMembership, len(coordinators))
		}
		c := coordinators[0]

		if cfg.ReadOnly {
			fmt.Printf("READ-ONLY: Would set status of membership %d to %q\n", c.UCRID(), args[0])
			return nil
		}

		// A numeric argument that is also a status name is treated as
		// the name.
		if _, lookupErr := c.Snapshot().StatusIDByName(args[0]); lookupErr != nil {
			if id, convErr := strconv.Atoi(args[0]); convErr == nil {
				if _, err := c.Snapshot().StatusNameByID(id); err != nil {
					return err
				}
				if err := c.SetStatusByID(ctx, id); err != nil {
					return err
				}
				return printStatus(c)
			}
		}
		if err := c.SetStatusByName(ctx, args[0]); err != nil {
			return err
		}
		return printStatus(c)
	},
}

func init() {
	setStatusCmd.Flags().IntVar(&setStatusUCR, "ucr", 0, "membership id (default: the configured membership)")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(setStatusCmd)
}

func printStatus(c *coordinator.Coordinator) error {
	state, err := c.Snapshot().UserState()
	if err != nil {
		return err
	}
	fmt.Printf("Membership %d: %s\n", c.UCRID(), state)
	return nil
}

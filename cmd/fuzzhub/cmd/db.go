package cmd

import (
	"fmt"
	"fuzzhub/pkg/database"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, lg, err := openStore()
		if err != nil {
			return err
		}
		lg.Info("database schema is up to date")
		return nil
	},
}

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Manage campaigns",
}

var (
	campaignDescription string
	campaignTarget      string
)

var campaignCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, lg, err := openStore()
		if err != nil {
			return err
		}
		c := &database.Campaign{
			Name:         args[0],
			Description:  campaignDescription,
			TargetBinary: campaignTarget,
			Active:       true,
		}
		if err := st.CreateCampaign(cmd.Context(), c); err != nil {
			return err
		}
		lg.Debug("campaign created", zap.String("campaign_id", c.ID))
		if isJSONOutput() {
			return printJSON(c)
		}
		fmt.Println(c.ID)
		return nil
	},
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		campaigns, err := st.ListCampaigns(cmd.Context())
		if err != nil {
			return err
		}
		if isJSONOutput() {
			return printJSON(campaigns)
		}
		if len(campaigns) == 0 {
			fmt.Println("No campaigns")
			return nil
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Name", "Target", "Active", "Created")
		for _, c := range campaigns {
			table.Append(c.ID, c.Name, c.TargetBinary, strconv.FormatBool(c.Active), c.CreatedAt.Format(time.RFC3339))
		}
		return table.Render()
	},
}

var psCampaign string

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List fuzzer instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		instances, err := st.ListInstances(cmd.Context(), psCampaign)
		if err != nil {
			return err
		}
		if isJSONOutput() {
			return printJSON(instances)
		}
		if len(instances) == 0 {
			fmt.Println("No fuzzer instances")
			return nil
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Campaign", "Type", "State", "PID", "Started", "Heartbeat")
		for _, inst := range instances {
			pid := "-"
			if inst.PID != nil {
				pid = strconv.Itoa(*inst.PID)
			}
			table.Append(inst.ID, inst.CampaignID, inst.FuzzerType, string(inst.State), pid,
				formatTimePtr(inst.StartedAt), formatTimePtr(inst.LastHeartbeat))
		}
		return table.Render()
	},
}

var crashesCmd = &cobra.Command{
	Use:   "crashes <campaign-id>",
	Short: "List deduplicated crashes of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore()
		if err != nil {
			return err
		}
		crashes, err := st.ListCrashes(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if isJSONOutput() {
			return printJSON(crashes)
		}
		if len(crashes) == 0 {
			fmt.Println("No crashes")
			return nil
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Hash", "Type", "Seen", "Last Seen", "Input")
		for _, c := range crashes {
			table.Append(c.CrashHash[:12], c.CrashType, strconv.Itoa(c.Occurrences), c.LastSeen.Format(time.RFC3339), c.InputPath)
		}
		return table.Render()
	},
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func init() {
	campaignCreateCmd.Flags().StringVar(&campaignDescription, "description", "", "campaign description")
	campaignCreateCmd.Flags().StringVar(&campaignTarget, "target", "", "target binary path")
	psCmd.Flags().StringVar(&psCampaign, "campaign", "", "only show instances of this campaign")

	campaignCmd.AddCommand(campaignCreateCmd, campaignListCmd)
	rootCmd.AddCommand(migrateCmd, campaignCmd, psCmd, crashesCmd)
}

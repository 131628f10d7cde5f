package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pacebot/pkg/pacebot/bot"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the persisted conversation and quota state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			st, err := bot.Inspect(cmd.Context(), cfg, time.Now())
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			fmt.Printf("Bot:               %s\n", st.Name)
			fmt.Printf("Snapshot backend:  %s\n", cfg.Persistence.Backend)
			fmt.Printf("Conversations:     %d with history\n", st.Conversations)
			fmt.Printf("Rate limiter:      %d tracked\n", st.Quota.Conversations)
			fmt.Printf("Cooling down:      %d\n", st.CoolingDown)
			fmt.Printf("Replies:           %d last hour, %d last day\n", st.RepliesLastHour, st.RepliesLastDay)
			return nil
		},
	}

	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}

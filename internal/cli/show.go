package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"healthwatch/internal/app"
)

var (
	showAccount string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display an account's recent metric samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showAccount == "" {
			return fmt.Errorf("--account is required")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{
			Account: showAccount,
			Limit:   showLimit,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showAccount, "account", "", "Account address to inspect")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}

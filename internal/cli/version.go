package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/senni000/crypto-data-binance/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

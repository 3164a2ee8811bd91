// duo 雙人配對服務的命令列工具
//
//	duo serve --config config.yaml   啟動配對伺服器
//	duo join --code AB12             以好友代碼加入並完成一局
//	duo join --quick                 快速配對
//	duo code                         產生隨機好友代碼
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/koopa0/system-design/14-duo-match/internal/code"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "duo",
	Short:         "雙人配對服務",
	Long:          `好友代碼與快速配對的雙人對戰伺服器，以及對應的命令列客戶端。`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "產生隨機好友代碼",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		length, _ := cmd.Flags().GetInt("length")
		c, err := code.Generate(length)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), c)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "設定檔路徑（不存在時使用預設值）")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日誌級別，覆蓋設定檔 (debug, info, warn, error)")

	codeCmd.Flags().Int("length", code.DefaultLength, "代碼長度 (4-8)")

	rootCmd.AddCommand(serveCmd, joinCmd, codeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

package cmd

import (
	"github.com/arcward/gemcord/gemcord"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the gemcord bot and (optionally) the admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := gemcord.New(cfg)
			if err != nil {
				log.Fatalf("error creating gemcord: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running gemcord: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}

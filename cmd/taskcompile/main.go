package main

import (
	"log"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/ssuji15/taskcompile/internal/config"
	"github.com/ssuji15/taskcompile/internal/service/logger"
)

var verbose bool

func main() {
	var rootCmd = &cobra.Command{
		Use:   "taskcompile",
		Short: "Compile task statements",
		Long:  `Compiles task statements on a taskcompile server and downloads the resulting PDFs.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger.InitWithWriter("taskcompile", os.Stderr, level)
			return config.LoadEnv(".env")
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(compileCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

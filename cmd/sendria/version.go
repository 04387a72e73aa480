package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sendria/sendria"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version info",
	Long:  `Every software has a version. This is Sendria's`,
	Run: func(cmd *cobra.Command, args []string) {
		logVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func logVersion() {
	mainlog.WithFields(logrus.Fields{
		"version":   sendria.Version,
		"buildTime": sendria.BuildTime,
		"commit":    sendria.Commit,
	}).Info("sendria")
}

package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"go_service_manager/config"
	"go_service_manager/core"
	"go_service_manager/logger"
)

var (
	rootCmd = &cobra.Command{
		Use:   "aos_servicemanager",
		Short: "Start the Aos service manager",
		Long:  `Start the node-local Aos service manager daemon`,
		RunE: func(_ *cobra.Command, _ []string) error {
			return startServiceManager()
		},
	}
	configFile string
	workingDir string
)

// Execute is the entry point of the service manager.
func Execute() error {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c",
		"/etc/aos/aos_servicemanager.cfg", "Path to the config file")
	rootCmd.Flags().StringVarP(&workingDir, "workingdir", "w", "",
		"Override the configured working directory")
}

func startServiceManager() error {
	cfg, err := config.ParseConfig(configFile)
	if err != nil {
		logger.ErrorLogger().Fatalf("Error parsing configuration: %v", err)
	}

	if workingDir != "" {
		cfg.WorkingDir = workingDir
	}

	sm, err := core.New(cfg)
	if err != nil {
		logger.ErrorLogger().Fatalf("Error starting service manager: %v", err)
	}
	defer sm.Stop()

	// SIGKILL cannot be trapped, using SIGTERM instead
	termination := make(chan os.Signal, 1)
	signal.Notify(termination, syscall.SIGTERM, syscall.SIGINT)

	ossignal := <-termination
	logger.InfoLogger().Printf("Terminating the service manager, signal:%v", ossignal)

	return nil
}

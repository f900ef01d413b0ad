package main

import (
	"os"

	"go_service_manager/cmd"
	"go_service_manager/logger"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorLogger().Printf("ServiceManager panic: %v", r)
			os.Exit(2)
		}
	}()

	if err := cmd.Execute(); err != nil {
		logger.ErrorLogger().Printf("ServiceManager error executing: %v", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"pos-sync-service/internal/cli"
	"pos-sync-service/internal/logger"
)

func main() {
	err := cli.NewRootCommand().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

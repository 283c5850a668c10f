package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "keysourced",
		Short:   "keysourced routes LLM requests over user or platform provider keys",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newPolicyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

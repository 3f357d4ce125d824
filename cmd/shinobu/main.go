package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "shinobu",
		Short: "Cross-platform chat bridge",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the bridge",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

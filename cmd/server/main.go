package main

import (
	"fmt"
	"os"
)

var (
	version = "0.1.0-dev"
	commit  = "main"
)

func main() {
	root := newRootCommand(versionInfo{
		Version: version,
		Commit:  commit,
	})

	root.AddCommand(newServeCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

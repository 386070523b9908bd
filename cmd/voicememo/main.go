// Command voicememo records voice memos from the local microphone, either
// interactively or as a daemon with an HTTP control API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

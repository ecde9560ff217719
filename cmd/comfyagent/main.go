// Command comfyagent runs the workflow agent: an HTTP gateway, a terminal
// chat client, and session management utilities.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command cepreplay replays recorded keyed events through a declarative
// pattern and prints the matches as JSON lines.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

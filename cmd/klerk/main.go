// Command klerk inspects a store's persisted models and audit log and
// exports snapshots to blob storage.
package main

import (
	"context"
	"fmt"
	"os"
)

var exitFunc = os.Exit

func main() {
	cmd := newRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "klerk:", err)
		exitFunc(1)
	}
}

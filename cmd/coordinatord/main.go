// Command coordinatord runs the distributed training coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/trainmesh/coordinator/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rescale-xfer queues, resumes and deduplicates file transfers.
package main

import (
	"os"

	"github.com/rescale/rescale-xfer/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}

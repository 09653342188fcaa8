// Command streamctl serves and calls the protostream countdown demo over any
// configured bus transport.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "streamctl:", err)
		os.Exit(1)
	}
}

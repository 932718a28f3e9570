package cmd

import (
	"fmt"
	"os"

	"holt.is/bulwark/internal/ctl"
)

// dial connects to the daemon or exits with a hint.
func dial() *ctl.Client {
	c, err := ctl.Dial("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nIs the daemon running? (bulwark start)\n", err)
		os.Exit(1)
	}
	return c
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

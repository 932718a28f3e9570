package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// RunMonitor follows the event stream from an optional cursor.
func RunMonitor(since int64) int {
	c := dial()
	defer c.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	cursor := since
	for {
		batch, err := c.Events(cursor, 200)
		if err != nil {
			return fail(err)
		}
		for _, ev := range batch {
			tag := ""
			if ev.CausalTag != "" {
				tag = " causal=" + ev.CausalTag
			}
			fmt.Printf("%s  %-8s %-15s %-18s src=%s%s\n",
				ev.ObservedAt.Format(time.RFC3339), ev.Severity, ev.Kind, ev.Source, ev.SourceIP, tag)
			cursor = ev.Seq
		}
		select {
		case <-stop:
			return 0
		case <-time.After(2 * time.Second):
		}
	}
}

package cmd

import "fmt"

// RunAutonomy manages the autonomy dial and the circuit breaker.
func RunAutonomy(args []string) int {
	c := dial()
	defer c.Close()

	if len(args) == 0 {
		st, err := c.Status()
		if err != nil {
			return fail(err)
		}
		fmt.Printf("level: %s\nbreaker tripped: %v\n", st.AutonomyLevel, st.BreakerTripped)
		return 0
	}
	switch args[0] {
	case "level":
		if len(args) < 2 {
			return fail(fmt.Errorf("usage: bulwark autonomy level <monitor|cautious|aggressive>"))
		}
		if err := c.AutonomySetLevel(args[1]); err != nil {
			return fail(err)
		}
		fmt.Printf("autonomy level set to %s\n", args[1])
	case "reset-breaker":
		if err := c.AutonomyResetBreaker(); err != nil {
			return fail(err)
		}
		fmt.Println("breaker reset")
	default:
		return fail(fmt.Errorf("unknown autonomy subcommand %q", args[0]))
	}
	return 0
}

// RunNeverBlock manages the protected subject list.
func RunNeverBlock(args []string) int {
	c := dial()
	defer c.Close()

	if len(args) == 0 {
		st, err := c.Status()
		if err != nil {
			return fail(err)
		}
		for _, e := range st.NeverBlock {
			fmt.Println(e)
		}
		return 0
	}
	switch args[0] {
	case "add":
		if len(args) < 2 {
			return fail(fmt.Errorf("usage: bulwark never-block add <ip|cidr|hostname|iface:name> [note]"))
		}
		note := ""
		if len(args) > 2 {
			note = args[2]
		}
		if err := c.NeverBlockAdd(args[1], note); err != nil {
			return fail(err)
		}
		fmt.Println("added")
	case "remove":
		if len(args) < 2 {
			return fail(fmt.Errorf("usage: bulwark never-block remove <entry>"))
		}
		if err := c.NeverBlockRemove(args[1]); err != nil {
			return fail(err)
		}
		fmt.Println("removed")
	default:
		return fail(fmt.Errorf("unknown never-block subcommand %q", args[0]))
	}
	return 0
}

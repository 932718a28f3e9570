package cmd

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// RunStatus prints the daemon status.
func RunStatus() int {
	c := dial()
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		return fail(err)
	}
	out, err := yaml.Marshal(st)
	if err != nil {
		return fail(err)
	}
	os.Stdout.Write(out)
	return 0
}

// RunDeployments lists recent deployments.
func RunDeployments() int {
	c := dial()
	defer c.Close()

	list, err := c.Deployments()
	if err != nil {
		return fail(err)
	}
	if len(list) == 0 {
		fmt.Println("no deployments")
		return 0
	}
	for _, d := range list {
		applied := "-"
		if d.AppliedAt != nil {
			applied = d.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%s  %-12s  %s  proposal=%s\n", d.ID, d.State, applied, d.ProposalID)
		if d.FailureReason != "" {
			fmt.Printf("    reason: %s\n", d.FailureReason)
		}
	}
	return 0
}

// RunProposals lists proposals, optionally filtered by state.
func RunProposals(state string) int {
	c := dial()
	defer c.Close()

	list, err := c.Proposals(state, 50)
	if err != nil {
		return fail(err)
	}
	if len(list) == 0 {
		fmt.Println("no proposals")
		return 0
	}
	for _, p := range list {
		fmt.Printf("%s  %-17s  %s\n", p.ID, p.State, p.Rule.Describe())
		if len(p.Conflicts.Findings) > 0 {
			for _, f := range p.Conflicts.Findings {
				fmt.Printf("    conflict(%s): %s\n", f.Kind, f.Explanation)
			}
		}
	}
	return 0
}

package cmd

import (
	"fmt"
	"strings"
)

// RunRules prints the live ruleset.
func RunRules() int {
	c := dial()
	defer c.Close()

	rules, err := c.ListRules()
	if err != nil {
		return fail(err)
	}
	if len(rules) == 0 {
		fmt.Println("no active rules")
		return 0
	}
	for _, r := range rules {
		fmt.Println(r.Text)
	}
	return 0
}

// RunImport lifts the live ruleset into the neutral model and prints it.
func RunImport() int {
	c := dial()
	defer c.Close()

	imported, err := c.ImportRules()
	if err != nil {
		return fail(err)
	}
	for _, imp := range imported {
		fmt.Println(imp.Rule.Describe())
		if len(imp.Warnings) > 0 {
			fmt.Printf("  warnings: %s\n", strings.Join(imp.Warnings, "; "))
		}
	}
	return 0
}

// RunApprove queues an approved proposal for deployment.
func RunApprove(id string) int {
	c := dial()
	defer c.Close()
	if err := c.Approve(id); err != nil {
		return fail(err)
	}
	fmt.Println("approved; deployment will enter probation")
	return 0
}

// RunReject rejects a proposal.
func RunReject(id string) int {
	c := dial()
	defer c.Close()
	if err := c.Reject(id); err != nil {
		return fail(err)
	}
	fmt.Println("rejected")
	return 0
}

// RunCommit finalizes a probation deployment.
func RunCommit(id string) int {
	c := dial()
	defer c.Close()
	if err := c.Commit(id); err != nil {
		return fail(err)
	}
	fmt.Println("committed")
	return 0
}

// RunRollback restores the pre-apply snapshot.
func RunRollback(id string) int {
	c := dial()
	defer c.Close()
	if err := c.Rollback(id); err != nil {
		return fail(err)
	}
	fmt.Println("rolled back")
	return 0
}

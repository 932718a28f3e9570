package cmd

import (
	"flag"
	"fmt"
	"strings"

	"holt.is/bulwark/internal/policy"
	"holt.is/bulwark/internal/validation"
)

// RunPropose submits a proposal from free text (translated server-side)
// or from structured flags.
func RunPropose(args []string) int {
	fs := flag.NewFlagSet("propose", flag.ExitOnError)
	action := fs.String("action", "", "accept|drop|reject (structured mode)")
	direction := fs.String("direction", "input", "input|output|forward")
	src := fs.String("src", "", "source address or CIDR")
	dst := fs.String("dst", "", "destination address or CIDR")
	proto := fs.String("proto", "", "tcp|udp|icmp")
	dport := fs.String("dport", "", "destination port or range")
	comment := fs.String("comment", "", "rule comment")
	fs.Parse(args)

	c := dial()
	defer c.Close()

	var rule *policy.Rule
	text := strings.Join(fs.Args(), " ")
	if *action != "" {
		r := policy.New(policy.Action(*action), policy.Direction(*direction))
		if *src != "" {
			r.Source = policy.Subject{CIDR: *src}
		}
		if *dst != "" {
			r.Destination = policy.Subject{CIDR: *dst}
		}
		if *proto != "" {
			r.Protocol = policy.Protocol(*proto)
		}
		if *dport != "" {
			lo, hi, err := validation.PortRange(*dport)
			if err != nil {
				return fail(err)
			}
			if lo == hi {
				r.DestPorts = &policy.PortSpec{List: []int{lo}}
			} else {
				r.DestPorts = &policy.PortSpec{Range: &policy.PortRange{Lo: lo, Hi: hi}}
			}
		}
		r.Comment = *comment
		rule = &r
		text = ""
	}

	p, err := c.Propose(text, rule)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("proposal %s (%s)\n  %s\n", p.ID, p.State, p.Rule.Describe())
	if p.Explanation != "" {
		fmt.Printf("  translator: %s\n", p.Explanation)
	}
	for _, f := range p.Conflicts.Findings {
		fmt.Printf("  conflict(%s): %s\n", f.Kind, f.Explanation)
	}
	fmt.Printf("approve with: bulwark approve %s\n", p.ID)
	return 0
}

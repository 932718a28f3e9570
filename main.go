package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"holt.is/bulwark/cmd"
	"holt.is/bulwark/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		fs := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := fs.String("config", brand.DefaultConfigDir+"/"+brand.ConfigFileName, "Configuration file")
		fs.Parse(os.Args[2:])
		os.Exit(cmd.RunStart(*configFile))
	case "status":
		os.Exit(cmd.RunStatus())
	case "propose":
		os.Exit(cmd.RunPropose(os.Args[2:]))
	case "approve":
		os.Exit(cmd.RunApprove(requireArg("approve", "proposal id")))
	case "reject":
		os.Exit(cmd.RunReject(requireArg("reject", "proposal id")))
	case "commit":
		os.Exit(cmd.RunCommit(requireArg("commit", "deployment id")))
	case "rollback":
		os.Exit(cmd.RunRollback(requireArg("rollback", "deployment id")))
	case "rules":
		os.Exit(cmd.RunRules())
	case "import":
		os.Exit(cmd.RunImport())
	case "proposals":
		state := ""
		if len(os.Args) > 2 {
			state = os.Args[2]
		}
		os.Exit(cmd.RunProposals(state))
	case "deployments":
		os.Exit(cmd.RunDeployments())
	case "monitor":
		since := int64(0)
		if len(os.Args) > 2 {
			since, _ = strconv.ParseInt(os.Args[2], 10, 64)
		}
		os.Exit(cmd.RunMonitor(since))
	case "autonomy":
		os.Exit(cmd.RunAutonomy(os.Args[2:]))
	case "never-block":
		os.Exit(cmd.RunNeverBlock(os.Args[2:]))
	case "version":
		fmt.Printf("%s %s\n", brand.Name, version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

var version = "dev"

func requireArg(command, what string) string {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: %s %s <%s>\n", brand.BinaryName, command, what)
		os.Exit(1)
	}
	return os.Args[2]
}

func printUsage() {
	fmt.Printf(`%s - autonomous firewall orchestrator

Usage: %s <command> [options]

Daemon:
  start [-config FILE]     Run the daemon in the foreground
  status                   Show daemon status

Policy:
  propose [flags|text...]  Submit a policy proposal
  proposals [state]        List proposals
  approve <id>             Approve and deploy a proposal
  reject <id>              Reject a proposal
  commit <id>              Commit a probation deployment
  rollback <id>            Roll a deployment back
  rules                    Show the live ruleset
  import                   Lift the live ruleset into the policy model

Operations:
  deployments              List deployments
  monitor [since]          Follow the security event stream
  autonomy [level|reset-breaker]
  never-block [add|remove]
`, brand.Name, brand.BinaryName)
}

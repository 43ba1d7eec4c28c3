package main

import (
	"fmt"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK = iota
	exitInternalFailure
	exitInvalidInput
	exitVerifyFailed
	exitSecurityBlocked
	exitChainBroken
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("tether", version)
		return exitOK
	}
	switch arguments[1] {
	case "capsule":
		return runCapsule(arguments[2:])
	case "record":
		return runRecord(arguments[2:])
	case "ledger":
		return runLedger(arguments[2:])
	case "rules":
		return runRules(arguments[2:])
	case "version", "--version", "-v":
		fmt.Println("tether", version)
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Println(`tether - capsule integrity and memory ledger tooling

Usage:
  tether capsule create --name <instance> [flags]
  tether capsule verify <capsule.json> [--rules <rules.yaml>] [--json]
  tether capsule show <capsule.json>
  tether record ingest --ledger <ledger.json> --raw <text> [flags]
  tether record validate [--ledger <ledger.json>] <record.json> [flags]
  tether ledger verify --ledger <ledger.json> [--json]
  tether ledger show --ledger <ledger.json> [--json]
  tether ledger audit --ledger <ledger.json> --batch <batch.json> [--json]
  tether rules show [--rules <rules.yaml>]
  tether version`)
}

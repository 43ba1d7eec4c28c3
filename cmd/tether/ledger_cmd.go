package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/davidahmann/tether/core/ledger"
	"github.com/davidahmann/tether/core/schema/validate"
)

type ledgerVerifyOutput struct {
	OK          bool     `json:"ok"`
	Path        string   `json:"path,omitempty"`
	ChainLength int      `json:"chain_length"`
	Problems    []string `json:"problems,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type ledgerShowOutput struct {
	OK          bool     `json:"ok"`
	Path        string   `json:"path,omitempty"`
	ChainLength int      `json:"chain_length"`
	Tail        string   `json:"tail,omitempty"`
	LastUpdated string   `json:"last_updated,omitempty"`
	Chain       []string `json:"chain,omitempty"`
	Error       string   `json:"error,omitempty"`
}

type ledgerAuditOutput struct {
	OK           bool     `json:"ok"`
	Path         string   `json:"path,omitempty"`
	BatchPath    string   `json:"batch_path,omitempty"`
	RecordsCheck int      `json:"records_checked"`
	Problems     []string `json:"problems,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func runLedger(arguments []string) int {
	if len(arguments) == 0 {
		printUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "verify":
		return runLedgerVerify(arguments[1:])
	case "show":
		return runLedgerShow(arguments[1:])
	case "audit":
		return runLedgerAudit(arguments[1:])
	default:
		printUsage()
		return exitInvalidInput
	}
}

func runLedgerVerify(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"ledger": true})
	flagSet := flag.NewFlagSet("ledger verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var ledgerPath string
	var jsonOutput bool
	flagSet.StringVar(&ledgerPath, "ledger", "", "path to the ledger file (required)")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")

	if err := flagSet.Parse(arguments); err != nil {
		return writeLedgerVerifyOutput(jsonOutput, ledgerVerifyOutput{Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(ledgerPath) == "" {
		return writeLedgerVerifyOutput(jsonOutput, ledgerVerifyOutput{Error: "expected --ledger <ledger.json>"}, exitInvalidInput)
	}

	handle, err := ledger.Open(ledgerPath)
	if err != nil {
		return writeLedgerVerifyOutput(jsonOutput, ledgerVerifyOutput{Path: ledgerPath, Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	problems := handle.VerifyChain()
	output := ledgerVerifyOutput{
		OK:          len(problems) == 0,
		Path:        ledgerPath,
		ChainLength: handle.Len(),
		Problems:    problems,
	}
	exitCode := exitOK
	if !output.OK {
		exitCode = exitChainBroken
		output.Error = "chain verification failed"
	}
	return writeLedgerVerifyOutput(jsonOutput, output, exitCode)
}

func runLedgerShow(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"ledger": true})
	flagSet := flag.NewFlagSet("ledger show", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var ledgerPath string
	var jsonOutput bool
	flagSet.StringVar(&ledgerPath, "ledger", "", "path to the ledger file (required)")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")

	if err := flagSet.Parse(arguments); err != nil {
		return writeLedgerShowOutput(jsonOutput, ledgerShowOutput{Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(ledgerPath) == "" {
		return writeLedgerShowOutput(jsonOutput, ledgerShowOutput{Error: "expected --ledger <ledger.json>"}, exitInvalidInput)
	}

	handle, err := ledger.Open(ledgerPath)
	if err != nil {
		return writeLedgerShowOutput(jsonOutput, ledgerShowOutput{Path: ledgerPath, Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	output := ledgerShowOutput{
		OK:          true,
		Path:        ledgerPath,
		ChainLength: handle.Len(),
		Tail:        handle.Tail(),
		Chain:       handle.Chain(),
	}
	if updated := handle.LastUpdated(); !updated.IsZero() {
		output.LastUpdated = updated.UTC().Format(time.RFC3339)
	}
	return writeLedgerShowOutput(jsonOutput, output, exitOK)
}

func runLedgerAudit(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"ledger": true, "batch": true})
	flagSet := flag.NewFlagSet("ledger audit", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var ledgerPath, batchPath string
	var jsonOutput bool
	flagSet.StringVar(&ledgerPath, "ledger", "", "path to the ledger file (required)")
	flagSet.StringVar(&batchPath, "batch", "", "batch file with the original records (required)")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")

	if err := flagSet.Parse(arguments); err != nil {
		return writeLedgerAuditOutput(jsonOutput, ledgerAuditOutput{Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(ledgerPath) == "" || strings.TrimSpace(batchPath) == "" {
		return writeLedgerAuditOutput(jsonOutput, ledgerAuditOutput{Error: "expected --ledger <ledger.json> --batch <batch.json>"}, exitInvalidInput)
	}

	// #nosec G304 -- batch path is explicit local user input.
	batchRaw, err := os.ReadFile(batchPath)
	if err != nil {
		return writeLedgerAuditOutput(jsonOutput, ledgerAuditOutput{BatchPath: batchPath, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if err := validate.BatchJSON(batchRaw); err != nil {
		return writeLedgerAuditOutput(jsonOutput, ledgerAuditOutput{BatchPath: batchPath, Error: err.Error()}, exitInvalidInput)
	}
	batch, err := ledger.ReadBatch(batchPath)
	if err != nil {
		return writeLedgerAuditOutput(jsonOutput, ledgerAuditOutput{BatchPath: batchPath, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	handle, err := ledger.Open(ledgerPath)
	if err != nil {
		return writeLedgerAuditOutput(jsonOutput, ledgerAuditOutput{Path: ledgerPath, Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}

	problems := handle.Audit(batch.Records)
	output := ledgerAuditOutput{
		OK:           len(problems) == 0,
		Path:         ledgerPath,
		BatchPath:    batchPath,
		RecordsCheck: len(batch.Records),
		Problems:     problems,
	}
	exitCode := exitOK
	if !output.OK {
		exitCode = exitChainBroken
		output.Error = "ledger audit failed"
	}
	return writeLedgerAuditOutput(jsonOutput, output, exitCode)
}

func writeLedgerVerifyOutput(jsonOutput bool, output ledgerVerifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" && output.Path == "" {
		fmt.Fprintln(os.Stderr, "error:", output.Error)
		return exitCode
	}
	fmt.Printf("chain_length=%d ok=%t\n", output.ChainLength, output.OK)
	for _, problem := range output.Problems {
		fmt.Println("  problem:", problem)
	}
	return exitCode
}

func writeLedgerShowOutput(jsonOutput bool, output ledgerShowOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Fprintln(os.Stderr, "error:", output.Error)
		return exitCode
	}
	fmt.Printf("chain_length=%d tail=%s last_updated=%s\n", output.ChainLength, output.Tail, output.LastUpdated)
	for index, entry := range output.Chain {
		fmt.Printf("  %d %s\n", index, entry)
	}
	return exitCode
}

func writeLedgerAuditOutput(jsonOutput bool, output ledgerAuditOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" && output.RecordsCheck == 0 && len(output.Problems) == 0 {
		fmt.Fprintln(os.Stderr, "error:", output.Error)
		return exitCode
	}
	fmt.Printf("records_checked=%d ok=%t\n", output.RecordsCheck, output.OK)
	for _, problem := range output.Problems {
		fmt.Println("  problem:", problem)
	}
	return exitCode
}

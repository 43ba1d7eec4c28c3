package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/davidahmann/tether/core/embed"
	"github.com/davidahmann/tether/core/eventlog"
	"github.com/davidahmann/tether/core/ledger"
	"github.com/davidahmann/tether/core/schema/validate"
	schemarecord "github.com/davidahmann/tether/core/schema/v1/record"
	"github.com/davidahmann/tether/core/store"
	"github.com/davidahmann/tether/core/validator"
)

type recordIngestOutput struct {
	OK           bool     `json:"ok"`
	MemoryID     string   `json:"memory_id,omitempty"`
	ChainSHA256  string   `json:"chain_sha256,omitempty"`
	ChainLength  int      `json:"chain_length,omitempty"`
	Valid        bool     `json:"valid"`
	Errors       []string `json:"errors,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	ChainUpdated bool     `json:"chain_updated"`
	Error        string   `json:"error,omitempty"`
}

type recordValidateOutput struct {
	OK              bool     `json:"ok"`
	MemoryID        string   `json:"memory_id,omitempty"`
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	IntegrityScore  float64  `json:"integrity_score"`
	ProvenanceScore float64  `json:"provenance_score"`
	SecurityScore   float64  `json:"security_score"`
	ChainUpdated    bool     `json:"chain_updated"`
	ChainLength     int      `json:"chain_length,omitempty"`
	Error           string   `json:"error,omitempty"`
}

func runRecord(arguments []string) int {
	if len(arguments) == 0 {
		printUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "ingest":
		return runRecordIngest(arguments[1:])
	case "validate":
		return runRecordValidate(arguments[1:])
	default:
		printUsage()
		return exitInvalidInput
	}
}

func runRecordIngest(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"ledger": true, "raw": true, "raw-file": true, "source": true,
		"preprocessed": true, "dim": true, "consent": true, "tags": true,
		"index": true,
	})
	flagSet := flag.NewFlagSet("record ingest", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var ledgerPath, raw, rawFile, sourceID, preprocessed, consent, tagsSpec, indexDir string
	var dim int
	var jsonOutput bool

	flagSet.StringVar(&ledgerPath, "ledger", "", "path to the ledger file (required)")
	flagSet.StringVar(&raw, "raw", "", "raw memory text")
	flagSet.StringVar(&rawFile, "raw-file", "", "file containing the raw memory text")
	flagSet.StringVar(&sourceID, "source", "", "source identifier (minted when empty)")
	flagSet.StringVar(&preprocessed, "preprocessed", "", "preprocessed text")
	flagSet.IntVar(&dim, "dim", 384, "embedding dimension for the local provider")
	flagSet.StringVar(&consent, "consent", "", "consent: self|partner|unknown")
	flagSet.StringVar(&tagsSpec, "tags", "", "comma-separated tags")
	flagSet.StringVar(&indexDir, "index", "", "directory of the local index database")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRecordIngestOutput(jsonOutput, recordIngestOutput{Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(ledgerPath) == "" {
		return writeRecordIngestOutput(jsonOutput, recordIngestOutput{Error: "expected --ledger <ledger.json>"}, exitInvalidInput)
	}
	if rawFile != "" {
		// #nosec G304 -- raw text path is explicit local user input.
		content, err := os.ReadFile(rawFile)
		if err != nil {
			return writeRecordIngestOutput(jsonOutput, recordIngestOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
		}
		raw = string(content)
	}
	if raw == "" {
		return writeRecordIngestOutput(jsonOutput, recordIngestOutput{Error: "expected --raw <text> or --raw-file <path>"}, exitInvalidInput)
	}
	if indexDir == "" {
		indexDir = strings.TrimSpace(os.Getenv("TETHER_INDEX"))
	}

	provider, err := embed.NewLocal(dim)
	if err != nil {
		return writeRecordIngestOutput(jsonOutput, recordIngestOutput{Error: err.Error()}, exitInvalidInput)
	}
	embedding, err := provider.Embed(context.Background(), raw)
	if err != nil {
		return writeRecordIngestOutput(jsonOutput, recordIngestOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}

	handle, err := ledger.Open(ledgerPath)
	if err != nil {
		return writeRecordIngestOutput(jsonOutput, recordIngestOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	rec, result, err := handle.Ingest(ledger.CreateRecordOptions{
		SourceID:     sourceID,
		Raw:          raw,
		Preprocessed: preprocessed,
		Embedding:    embedding,
		EmbedModel:   provider.Model(),
		Consent:      consent,
		Tags:         splitTags(tagsSpec),
	})
	if err != nil {
		return writeRecordIngestOutput(jsonOutput, recordIngestOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}

	logger, cleanup := commandLogger()
	defer cleanup()
	if result.Valid {
		eventlog.RecordAccepted(logger, rec.MemoryID, rec.ChainSHA256, handle.Len())
	} else {
		eventlog.RecordRejected(logger, rec.MemoryID, result.Errors)
	}

	if result.Valid && indexDir != "" {
		if err := indexRecord(indexDir, rec); err != nil {
			return writeRecordIngestOutput(jsonOutput, recordIngestOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
		}
	}

	output := recordIngestOutput{
		OK:           result.Valid,
		MemoryID:     rec.MemoryID,
		ChainSHA256:  rec.ChainSHA256,
		ChainLength:  handle.Len(),
		Valid:        result.Valid,
		Errors:       result.Errors,
		Warnings:     result.Warnings,
		ChainUpdated: result.ChainUpdated,
	}
	exitCode := exitOK
	if !result.Valid {
		exitCode = exitVerifyFailed
		output.Error = "record refused"
	}
	return writeRecordIngestOutput(jsonOutput, output, exitCode)
}

func runRecordValidate(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"ledger": true, "rules": true, "source-path": true,
	})
	flagSet := flag.NewFlagSet("record validate", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var ledgerPath, rulesPath, sourcePath string
	var jsonOutput bool
	flagSet.StringVar(&ledgerPath, "ledger", "", "ledger to append the record to when it passes")
	flagSet.StringVar(&rulesPath, "rules", "", "path to a YAML rules override")
	flagSet.StringVar(&sourcePath, "source-path", "", "on-disk source file for the hash cross-check")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")

	if err := flagSet.Parse(arguments); err != nil {
		return writeRecordValidateOutput(jsonOutput, recordValidateOutput{Error: err.Error()}, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		return writeRecordValidateOutput(jsonOutput, recordValidateOutput{Error: "expected <record.json>"}, exitInvalidInput)
	}

	// #nosec G304 -- record path is explicit local user input.
	raw, err := os.ReadFile(flagSet.Arg(0))
	if err != nil {
		return writeRecordValidateOutput(jsonOutput, recordValidateOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if err := validate.RecordJSON(raw); err != nil {
		return writeRecordValidateOutput(jsonOutput, recordValidateOutput{Error: err.Error()}, exitInvalidInput)
	}
	var rec schemarecord.MemoryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return writeRecordValidateOutput(jsonOutput, recordValidateOutput{Error: err.Error()}, exitInvalidInput)
	}

	checker, err := newValidator(rulesPath)
	if err != nil {
		return writeRecordValidateOutput(jsonOutput, recordValidateOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	result, err := checker.ValidateRecord(rec, validator.RecordOptions{SourcePath: sourcePath})
	if err != nil {
		return writeRecordValidateOutput(jsonOutput, recordValidateOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}

	if !result.Valid && result.SecurityScore < 1.0 {
		logger, cleanup := commandLogger()
		eventlog.SecurityViolation(logger, rec.MemoryID, result.Errors)
		_ = cleanup()
	}

	output := recordValidateOutput{
		OK:              result.Valid,
		MemoryID:        rec.MemoryID,
		Valid:           result.Valid,
		Errors:          result.Errors,
		Warnings:        result.Warnings,
		IntegrityScore:  result.IntegrityScore,
		ProvenanceScore: result.ProvenanceScore,
		SecurityScore:   result.SecurityScore,
	}

	// With --ledger, a record that passes the rule checks also runs the
	// staged ledger validation and is appended iff every stage passes.
	if result.Valid && strings.TrimSpace(ledgerPath) != "" {
		handle, err := ledger.Open(ledgerPath)
		if err != nil {
			output.Error = err.Error()
			return writeRecordValidateOutput(jsonOutput, output, exitCodeForError(err, exitInternalFailure))
		}
		ledgerResult, err := handle.ValidateRecord(rec)
		if err != nil {
			output.Error = err.Error()
			return writeRecordValidateOutput(jsonOutput, output, exitCodeForError(err, exitInternalFailure))
		}
		output.OK = ledgerResult.Valid
		output.Valid = ledgerResult.Valid
		output.Errors = append(output.Errors, ledgerResult.Errors...)
		output.Warnings = append(output.Warnings, ledgerResult.Warnings...)
		output.ChainUpdated = ledgerResult.ChainUpdated
		output.ChainLength = handle.Len()
	}

	exitCode := exitOK
	if !output.Valid {
		exitCode = exitVerifyFailed
		if result.SecurityScore < 1.0 {
			exitCode = exitSecurityBlocked
		}
	}
	return writeRecordValidateOutput(jsonOutput, output, exitCode)
}

func writeRecordIngestOutput(jsonOutput bool, output recordIngestOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" && output.MemoryID == "" {
		fmt.Fprintln(os.Stderr, "error:", output.Error)
		return exitCode
	}
	fmt.Printf("memory_id=%s valid=%t chain_length=%d\n", output.MemoryID, output.Valid, output.ChainLength)
	for _, message := range output.Errors {
		fmt.Println("  error:", message)
	}
	for _, message := range output.Warnings {
		fmt.Println("  warning:", message)
	}
	return exitCode
}

func writeRecordValidateOutput(jsonOutput bool, output recordValidateOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Fprintln(os.Stderr, "error:", output.Error)
		return exitCode
	}
	fmt.Printf("valid=%t integrity=%.2f provenance=%.2f security=%.2f\n",
		output.Valid, output.IntegrityScore, output.ProvenanceScore, output.SecurityScore)
	for _, message := range output.Errors {
		fmt.Println("  error:", message)
	}
	for _, message := range output.Warnings {
		fmt.Println("  warning:", message)
	}
	return exitCode
}

func splitTags(spec string) []string {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return nil
	}
	tags := []string{}
	for _, tag := range strings.Split(trimmed, ",") {
		if cleaned := strings.TrimSpace(tag); cleaned != "" {
			tags = append(tags, cleaned)
		}
	}
	return tags
}

func indexRecord(indexDir string, rec schemarecord.MemoryRecord) error {
	index, err := store.Open(indexDir)
	if err != nil {
		return err
	}
	defer index.Close()
	return index.IndexRecord(rec)
}

// commandLogger builds the event logger from TETHER_EVENT_LOG. Without
// the variable set, events go to stderr only at warn level and above.
func commandLogger() (*slog.Logger, func() error) {
	eventFile := strings.TrimSpace(os.Getenv("TETHER_EVENT_LOG"))
	if eventFile == "" {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
		return slog.New(handler), func() error { return nil }
	}
	return eventlog.Setup(eventFile, slog.LevelInfo)
}

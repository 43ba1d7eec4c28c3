package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	corecapsule "github.com/davidahmann/tether/core/capsule"
	"github.com/davidahmann/tether/core/schema/validate"
	schemacapsule "github.com/davidahmann/tether/core/schema/v1/capsule"
	"github.com/davidahmann/tether/core/store"
	"github.com/davidahmann/tether/core/validator"
)

type capsuleCreateOutput struct {
	OK              bool   `json:"ok"`
	Path            string `json:"path,omitempty"`
	UUID            string `json:"uuid,omitempty"`
	FingerprintHash string `json:"fingerprint_hash,omitempty"`
	CapsuleVersion  string `json:"capsule_version,omitempty"`
	MemoryCount     int    `json:"memory_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

type capsuleVerifyOutput struct {
	OK              bool     `json:"ok"`
	Path            string   `json:"path,omitempty"`
	FingerprintOK   bool     `json:"fingerprint_ok"`
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	IntegrityScore  float64  `json:"integrity_score"`
	ProvenanceScore float64  `json:"provenance_score"`
	SecurityScore   float64  `json:"security_score"`
	Error           string   `json:"error,omitempty"`
}

func runCapsule(arguments []string) int {
	if len(arguments) == 0 {
		printUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "create":
		return runCapsuleCreate(arguments[1:])
	case "verify":
		return runCapsuleVerify(arguments[1:])
	case "show":
		return runCapsuleShow(arguments[1:])
	default:
		printUsage()
		return exitInvalidInput
	}
}

func runCapsuleCreate(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"name": true, "personality": true, "traits": true, "memory-file": true,
		"signature": true, "generator": true, "vault": true, "additional-json": true,
		"out": true, "index": true,
	})
	flagSet := flag.NewFlagSet("capsule create", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var name, personality, traitsSpec, memoryFile string
	var signature, generator, vault, additionalJSON string
	var outPath, indexDir string
	var jsonOutput bool

	flagSet.StringVar(&name, "name", "", "instance name (required)")
	flagSet.StringVar(&personality, "personality", "", "four-letter personality type code")
	flagSet.StringVar(&traitsSpec, "traits", "", "comma-separated trait=score pairs")
	flagSet.StringVar(&memoryFile, "memory-file", "", "file with one memory entry per line")
	flagSet.StringVar(&signature, "signature", "", "tether signature")
	flagSet.StringVar(&generator, "generator", "", "generator identifier")
	flagSet.StringVar(&vault, "vault", "", "vault source")
	flagSet.StringVar(&additionalJSON, "additional-json", "", "additional_data extension document (json)")
	flagSet.StringVar(&outPath, "out", "", "output path (default <name>.capsule.json)")
	flagSet.StringVar(&indexDir, "index", "", "directory of the local index database")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")

	if err := flagSet.Parse(arguments); err != nil {
		return writeCapsuleCreateOutput(jsonOutput, capsuleCreateOutput{Error: err.Error()}, exitInvalidInput)
	}
	if strings.TrimSpace(name) == "" {
		return writeCapsuleCreateOutput(jsonOutput, capsuleCreateOutput{Error: "expected --name <instance>"}, exitInvalidInput)
	}

	traits, err := parseTraits(traitsSpec)
	if err != nil {
		return writeCapsuleCreateOutput(jsonOutput, capsuleCreateOutput{Error: err.Error()}, exitInvalidInput)
	}
	memoryLog, err := readMemoryFile(memoryFile)
	if err != nil {
		return writeCapsuleCreateOutput(jsonOutput, capsuleCreateOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	var additional schemacapsule.AdditionalData
	if strings.TrimSpace(additionalJSON) != "" {
		if err := json.Unmarshal([]byte(additionalJSON), &additional); err != nil {
			return writeCapsuleCreateOutput(jsonOutput, capsuleCreateOutput{Error: fmt.Sprintf("parse --additional-json: %v", err)}, exitInvalidInput)
		}
	}

	capsule, err := corecapsule.Create(corecapsule.CreateOptions{
		InstanceName:    name,
		Traits:          traits,
		MemoryLog:       memoryLog,
		PersonalityType: personality,
		TetherSignature: signature,
		Generator:       generator,
		VaultSource:     vault,
		Additional:      additional,
	})
	if err != nil {
		return writeCapsuleCreateOutput(jsonOutput, capsuleCreateOutput{Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	if strings.TrimSpace(outPath) == "" {
		outPath = name + ".capsule.json"
	}
	if indexDir == "" {
		indexDir = strings.TrimSpace(os.Getenv("TETHER_INDEX"))
	}
	if err := corecapsule.Save(outPath, capsule); err != nil {
		return writeCapsuleCreateOutput(jsonOutput, capsuleCreateOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}
	if indexDir != "" {
		if err := indexCapsule(indexDir, capsule, outPath); err != nil {
			return writeCapsuleCreateOutput(jsonOutput, capsuleCreateOutput{Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
		}
	}

	return writeCapsuleCreateOutput(jsonOutput, capsuleCreateOutput{
		OK:              true,
		Path:            outPath,
		UUID:            capsule.Metadata.UUID,
		FingerprintHash: capsule.Metadata.FingerprintHash,
		CapsuleVersion:  capsule.Metadata.CapsuleVersion,
		MemoryCount:     capsule.Memory.MemoryCount,
	}, exitOK)
}

func runCapsuleVerify(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"rules": true})
	flagSet := flag.NewFlagSet("capsule verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var rulesPath string
	var jsonOutput bool
	flagSet.StringVar(&rulesPath, "rules", "", "path to a YAML rules override")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")

	if err := flagSet.Parse(arguments); err != nil {
		return writeCapsuleVerifyOutput(jsonOutput, capsuleVerifyOutput{Error: err.Error()}, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		return writeCapsuleVerifyOutput(jsonOutput, capsuleVerifyOutput{Error: "expected <capsule.json>"}, exitInvalidInput)
	}
	path := flagSet.Arg(0)

	// #nosec G304 -- capsule path is explicit local user input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return writeCapsuleVerifyOutput(jsonOutput, capsuleVerifyOutput{Path: path, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	if err := validate.CapsuleJSON(raw); err != nil {
		return writeCapsuleVerifyOutput(jsonOutput, capsuleVerifyOutput{Path: path, Error: err.Error()}, exitInvalidInput)
	}
	capsule, err := corecapsule.Load(path)
	if err != nil {
		return writeCapsuleVerifyOutput(jsonOutput, capsuleVerifyOutput{Path: path, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}

	checker, err := newValidator(rulesPath)
	if err != nil {
		return writeCapsuleVerifyOutput(jsonOutput, capsuleVerifyOutput{Path: path, Error: err.Error()}, exitCodeForError(err, exitInvalidInput))
	}
	result, err := checker.ValidateCapsule(capsule, validator.CapsuleOptions{})
	if err != nil {
		return writeCapsuleVerifyOutput(jsonOutput, capsuleVerifyOutput{Path: path, Error: err.Error()}, exitCodeForError(err, exitInternalFailure))
	}

	fingerprintOK := corecapsule.Verify(capsule)
	output := capsuleVerifyOutput{
		OK:              fingerprintOK && result.Valid,
		Path:            path,
		FingerprintOK:   fingerprintOK,
		Valid:           result.Valid,
		Errors:          result.Errors,
		Warnings:        result.Warnings,
		IntegrityScore:  result.IntegrityScore,
		ProvenanceScore: result.ProvenanceScore,
		SecurityScore:   result.SecurityScore,
	}
	exitCode := exitOK
	if !output.OK {
		exitCode = exitVerifyFailed
		if result.SecurityScore < 1.0 {
			exitCode = exitSecurityBlocked
		}
	}
	return writeCapsuleVerifyOutput(jsonOutput, output, exitCode)
}

func runCapsuleShow(arguments []string) int {
	if len(arguments) != 1 {
		printUsage()
		return exitInvalidInput
	}
	capsule, err := corecapsule.Load(arguments[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCodeForError(err, exitInvalidInput)
	}
	encoded, err := json.MarshalIndent(capsule, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitInternalFailure
	}
	fmt.Println(string(encoded))
	return exitOK
}

func writeCapsuleCreateOutput(jsonOutput bool, output capsuleCreateOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Fprintln(os.Stderr, "error:", output.Error)
		return exitCode
	}
	fmt.Printf("capsule %s\n  uuid        %s\n  fingerprint %s\n  version     %s\n  memories    %d\n",
		output.Path, output.UUID, output.FingerprintHash, output.CapsuleVersion, output.MemoryCount)
	return exitCode
}

func writeCapsuleVerifyOutput(jsonOutput bool, output capsuleVerifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Fprintln(os.Stderr, "error:", output.Error)
		return exitCode
	}
	fmt.Printf("fingerprint_ok=%t valid=%t integrity=%.2f provenance=%.2f security=%.2f\n",
		output.FingerprintOK, output.Valid, output.IntegrityScore, output.ProvenanceScore, output.SecurityScore)
	for _, message := range output.Errors {
		fmt.Println("  error:", message)
	}
	for _, message := range output.Warnings {
		fmt.Println("  warning:", message)
	}
	return exitCode
}

func parseTraits(spec string) (map[string]float64, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return nil, nil
	}
	traits := map[string]float64{}
	for _, pair := range strings.Split(trimmed, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("trait %q must be name=score", pair)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("trait %q has a non-numeric score", pair)
		}
		traits[strings.TrimSpace(name)] = score
	}
	return traits, nil
}

func readMemoryFile(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	// #nosec G304 -- memory log path is explicit local user input.
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memory file: %w", err)
	}
	entries := []string{}
	for _, line := range strings.Split(string(content), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			entries = append(entries, trimmed)
		}
	}
	return entries, nil
}

func indexCapsule(indexDir string, capsule schemacapsule.Capsule, path string) error {
	index, err := store.Open(indexDir)
	if err != nil {
		return err
	}
	defer index.Close()
	return index.IndexCapsule(capsule, path)
}

func newValidator(rulesPath string) (*validator.Validator, error) {
	rules := validator.DefaultRules()
	if strings.TrimSpace(rulesPath) == "" {
		rulesPath = strings.TrimSpace(os.Getenv("TETHER_RULES"))
	}
	if rulesPath != "" {
		loaded, err := validator.LoadRulesFile(rulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	return validator.New(rules)
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/davidahmann/tether/core/validator"
)

func runRules(arguments []string) int {
	if len(arguments) == 0 || arguments[0] != "show" {
		printUsage()
		return exitInvalidInput
	}
	arguments = reorderInterspersedFlags(arguments[1:], map[string]bool{"rules": true})
	flagSet := flag.NewFlagSet("rules show", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var rulesPath string
	flagSet.StringVar(&rulesPath, "rules", "", "path to a YAML rules override")
	if err := flagSet.Parse(arguments); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitInvalidInput
	}

	rules := validator.DefaultRules()
	if strings.TrimSpace(rulesPath) == "" {
		rulesPath = strings.TrimSpace(os.Getenv("TETHER_RULES"))
	}
	if rulesPath != "" {
		loaded, err := validator.LoadRulesFile(rulesPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitCodeForError(err, exitInvalidInput)
		}
		rules = loaded
	}

	encoded, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitInternalFailure
	}
	fmt.Println(string(encoded))
	return exitOK
}

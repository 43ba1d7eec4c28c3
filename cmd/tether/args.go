package main

import "strings"

// reorderInterspersedFlags moves flag tokens ahead of positionals so the
// stdlib flag package can parse commands like
// `tether capsule verify aria.json --json`.
func reorderInterspersedFlags(arguments []string, valueFlags map[string]bool) []string {
	if len(arguments) == 0 {
		return arguments
	}
	flags := make([]string, 0, len(arguments))
	positionals := make([]string, 0, len(arguments))
	for index := 0; index < len(arguments); index++ {
		argument := arguments[index]
		if argument == "--" {
			positionals = append(positionals, arguments[index+1:]...)
			break
		}
		if len(argument) < 2 || !strings.HasPrefix(argument, "-") {
			positionals = append(positionals, argument)
			continue
		}
		flags = append(flags, argument)
		if strings.Contains(argument, "=") {
			continue
		}
		if !valueFlags[strings.TrimLeft(argument, "-")] {
			continue
		}
		if index+1 < len(arguments) {
			index++
			flags = append(flags, arguments[index])
		}
	}
	return append(flags, positionals...)
}

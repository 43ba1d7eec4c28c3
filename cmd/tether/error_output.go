package main

import (
	"encoding/json"
	"fmt"
	"strings"

	coreerrors "github.com/davidahmann/tether/core/errors"
)

func writeJSONOutput(output any, exitCode int) int {
	encoded, err := marshalOutputWithErrorEnvelope(output, exitCode)
	if err != nil {
		fmt.Println(`{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure","retryable":false}`)
		return exitInvalidInput
	}
	fmt.Println(string(encoded))
	return exitCode
}

func marshalOutputWithErrorEnvelope(output any, exitCode int) ([]byte, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	result := map[string]any{}
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil, err
	}
	errorText := strings.TrimSpace(asString(result["error"]))
	if errorText == "" {
		return json.Marshal(result)
	}
	if strings.TrimSpace(asString(result["error_code"])) == "" {
		result["error_code"] = defaultErrorCode(exitCode)
	}
	if strings.TrimSpace(asString(result["error_category"])) == "" {
		result["error_category"] = string(defaultErrorCategory(exitCode))
	}
	if _, exists := result["retryable"]; !exists {
		category := coreerrors.Category(asString(result["error_category"]))
		result["retryable"] = category == coreerrors.CategoryStateContention
	}
	if strings.TrimSpace(asString(result["hint"])) == "" {
		result["hint"] = defaultHint(exitCode)
	}
	return json.Marshal(result)
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput, coreerrors.CategorySchemaInvalid:
		return exitInvalidInput
	case coreerrors.CategoryIntegrityMismatch:
		return exitVerifyFailed
	case coreerrors.CategorySecurityViolation:
		return exitSecurityBlocked
	case coreerrors.CategoryChainBroken:
		return exitChainBroken
	case coreerrors.CategoryIOFailure, coreerrors.CategoryStateContention, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitVerifyFailed:
		return coreerrors.CategoryIntegrityMismatch
	case exitSecurityBlocked:
		return coreerrors.CategorySecurityViolation
	case exitChainBroken:
		return coreerrors.CategoryChainBroken
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "invalid_input"
	case exitVerifyFailed:
		return "verification_failed"
	case exitSecurityBlocked:
		return "security_blocked"
	case exitChainBroken:
		return "chain_broken"
	default:
		return "internal_failure"
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage and input schema"
	case exitVerifyFailed:
		return "re-run verify after checking artifact integrity"
	case exitSecurityBlocked:
		return "inspect the flagged content before retrying"
	case exitChainBroken:
		return "audit the ledger against the original batch files"
	default:
		return "retry after checking local environment and logs"
	}
}

func asString(value any) string {
	text, _ := value.(string)
	return text
}

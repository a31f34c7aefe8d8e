// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AleutianPilot/services/llm"
)

// GetImplementationToolName is the single tool the backend exposes to
// the model. The editor side resolves it against the open buffer and
// the project tree.
const GetImplementationToolName = "get_implementation"

var getImplementationTool = llm.Tool{
	Name:        GetImplementationToolName,
	Description: "Retrieve the full implementation of a function or class from the codebase.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"function_name": {
				"type": "string",
				"description": "Name of the function or class to retrieve (e.g., 'validateEmail' or 'UserService')"
			}
		},
		"required": ["function_name"]
	}`),
}

// Tools returns the tool definitions offered on every completion
// request.
func Tools() []llm.Tool {
	return []llm.Tool{getImplementationTool}
}

// parseToolArgs extracts the function_name argument from a model tool
// call. Models occasionally emit empty or truncated argument objects;
// those are reported as errors rather than passed through.
func parseToolArgs(arguments string) (string, error) {
	var args struct {
		FunctionName string `json:"function_name"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("malformed tool arguments: %w", err)
	}
	if args.FunctionName == "" {
		return "", fmt.Errorf("tool arguments missing function_name")
	}
	return args.FunctionName, nil
}

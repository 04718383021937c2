package tools

import "fmt"

// ToolError provides structured error context for tool operations.
type ToolError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewToolError creates a structured tool error.
func NewToolError(component, action, message string, err error) *ToolError {
	return &ToolError{
		Component: component,
		Action:    action,
		Message:   message,
		Err:       err,
	}
}

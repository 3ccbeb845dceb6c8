package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference. Operators quote the code from an audit record or
// API response to find the cause quickly.
//
// # Source Errors (SRC001-SRC099)
//
//	SRC001 - Source unavailable: the spreadsheet API or file could not be reached
//	         Action: The next scheduled cycle retries the same rows
//	SRC002 - Source not found: the spreadsheet or worksheet no longer exists
//	         Action: Check the mapping's source and worksheet id
//	SRC003 - Source timeout: fetching rows took too long
//	         Action: The next scheduled cycle retries the same rows
//
// # Key Errors (KEY001-KEY099)
//
//	KEY001 - Ambiguous key: more than one target record has this key
//	         Action: Remove the duplicate records from the target store
//	KEY002 - Missing key: a row has no value for a key column
//	         Action: Fill in the key column for the reported rows
//
// # Cursor Errors (CUR001-CUR099)
//
//	CUR001 - Concurrent advance: another cycle for this mapping advanced first
//	         Action: None; the next cycle continues from the new position
//
// # Target Errors (TGT001-TGT099)
//
//	TGT001 - Target unavailable: the target store could not be reached
//	         Action: The next scheduled cycle retries the same rows
//	TGT002 - Target record missing: an update targeted a deleted record
//	         Action: Re-run the mapping; the row will be inserted again
//
// # Configuration Errors (CFG001-CFG099)
//
//	CFG001 - No unique key: an upsert mapping has no usable key columns
//	         Action: Configure unique_keys or add an ID column
//	CFG002 - Unknown mapping: no mapping with this id is configured
//	CFG003 - Invalid mapping: the mapping definition is incomplete
//
// # System Errors (SYS001-SYS099)
//
//	SYS001 - Busy: too many cycles are running
//	SYS002 - Cancelled: the request or cycle was cancelled
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Check the logs for the technical error.
//
// Typed errors are matched first with errors.Is. Untyped driver errors fall
// back to case-insensitive substring patterns; the first match wins.

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-facing error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"`          // What happened
	Action  string `json:"action,omitempty"` // What to do about it
	Code    string `json:"code"`             // Error code for support reference
}

// typedMessages maps sentinel errors to user messages, checked in order.
var typedMessages = []struct {
	target error
	msg    UserMessage
}{
	{ErrSourceNotFound, UserMessage{
		Message: "The spreadsheet or worksheet no longer exists",
		Action:  "Check the mapping's source and worksheet id",
		Code:    "SRC002",
	}},
	{ErrSourceUnavailable, UserMessage{
		Message: "The source could not be reached",
		Action:  "The next scheduled cycle retries the same rows",
		Code:    "SRC001",
	}},
	{ErrAmbiguousUpsertKey, UserMessage{
		Message: "More than one target record has this key",
		Action:  "Remove the duplicate records from the target store",
		Code:    "KEY001",
	}},
	{ErrMissingUpsertKey, UserMessage{
		Message: "A row has no value for a key column",
		Action:  "Fill in the key column for the reported rows",
		Code:    "KEY002",
	}},
	{ErrConcurrentAdvance, UserMessage{
		Message: "Another cycle for this mapping finished first",
		Action:  "No action needed; the next cycle continues from the new position",
		Code:    "CUR001",
	}},
	{ErrTargetUnavailable, UserMessage{
		Message: "The target store could not be reached",
		Action:  "The next scheduled cycle retries the same rows",
		Code:    "TGT001",
	}},
	{ErrRecordNotFound, UserMessage{
		Message: "A target record was deleted during the sync",
		Action:  "Run the mapping again",
		Code:    "TGT002",
	}},
	{ErrNoUniqueKey, UserMessage{
		Message: "The upsert mapping has no usable key columns",
		Action:  "Configure unique_keys or add an ID column to the worksheet",
		Code:    "CFG001",
	}},
	{ErrMappingNotFound, UserMessage{
		Message: "No mapping with this id is configured",
		Action:  "Check the mapping id",
		Code:    "CFG002",
	}},
	{ErrInvalidMapping, UserMessage{
		Message: "The mapping definition is incomplete",
		Action:  "Fix the mapping in the sync file",
		Code:    "CFG003",
	}},
	{ErrTooManyCycles, UserMessage{
		Message: "Too many sync cycles are running",
		Action:  "Wait a moment and try again",
		Code:    "SYS001",
	}},
	{context.Canceled, UserMessage{
		Message: "The cycle was cancelled",
		Action:  "Run the mapping again",
		Code:    "SYS002",
	}},
	{context.DeadlineExceeded, UserMessage{
		Message: "Fetching rows took too long",
		Action:  "The next scheduled cycle retries the same rows",
		Code:    "SRC003",
	}},
}

// errorPatterns maps untyped driver errors to user messages.
var errorPatterns = []struct {
	pattern string
	msg     UserMessage
}{
	{"connection refused", UserMessage{
		Message: "The target store could not be reached",
		Action:  "The next scheduled cycle retries the same rows",
		Code:    "TGT001",
	}},
	{"connection reset", UserMessage{
		Message: "The target store connection was interrupted",
		Action:  "The next scheduled cycle retries the same rows",
		Code:    "TGT001",
	}},
	{"database is locked", UserMessage{
		Message: "The target store is busy",
		Action:  "The next scheduled cycle retries the same rows",
		Code:    "TGT001",
	}},
	{"deadlock", UserMessage{
		Message: "The target store was busy with conflicting writes",
		Action:  "The next scheduled cycle retries the same rows",
		Code:    "TGT001",
	}},
	{"timeout", UserMessage{
		Message: "Operation timed out",
		Action:  "The next scheduled cycle retries the same rows",
		Code:    "SRC003",
	}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the logs for details",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-facing message.
// If nothing matches, the ERR000 fallback is returned.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, tm := range typedMessages {
		if errors.Is(err, tm.target) {
			return tm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a display string: "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

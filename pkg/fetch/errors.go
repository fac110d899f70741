// NimbusChain Fetch is a distributed satellite-product acquisition service.
// Copyright (C) 2025 NimbusChain Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package fetch

import (
	"context"
	"errors"
	"fmt"
)

// Error codes recorded in a failed job's errors[] and in job.failed payloads.
const (
	CodePathViolation       = "PathViolation"
	CodePathConflict        = "PathConflict"
	CodeProviderAuthError   = "ProviderAuthError"
	CodeProviderSearchError = "ProviderSearchError"
	CodeNoDownloadURL       = "NoDownloadURL"
	CodeDownloadFailed      = "DownloadFailed"
	CodeChecksumFailed      = "ChecksumFailed"
	CodeManifestWriteFailed = "ManifestWriteFailed"
	CodeUnknown             = "Unknown"
)

// JobError is a classified job execution failure. Code is one of the Code*
// constants; Context carries opaque diagnostic detail for the errors[] entry.
type JobError struct {
	Code    string
	Message string
	Context map[string]any
	wrapped error
}

func (e *JobError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *JobError) Unwrap() error { return e.wrapped }

// Info converts the error into the descriptor persisted on the job record.
func (e *JobError) Info() ErrorInfo {
	return ErrorInfo{Code: e.Code, Message: e.Message, Context: e.Context}
}

// NewJobError builds a classified failure wrapping cause (which may be nil).
func NewJobError(code, message string, cause error, ctx map[string]any) *JobError {
	return &JobError{Code: code, Message: message, Context: ctx, wrapped: cause}
}

// Classify maps an arbitrary execution error onto an ErrorInfo descriptor.
// Already-classified errors pass through; everything else becomes Unknown.
// Context cancellation must be handled by the caller before classification.
func Classify(err error) ErrorInfo {
	var je *JobError
	if errors.As(err, &je) {
		return je.Info()
	}
	return ErrorInfo{Code: CodeUnknown, Message: err.Error()}
}

// IsCancellation reports whether err represents cooperative cancellation
// rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

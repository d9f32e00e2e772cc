// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors carries LDM's error taxonomy (spec §7): named kinds
// instead of numeric codes, so callers across the inbound API, the CLI,
// and internal components can all branch on the same vocabulary.
package errors

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// Kind is one of the named error kinds from spec.md §7.
type Kind string

const (
	KindNotFound     Kind = "NotFound"
	KindConflict     Kind = "Conflict"
	KindLocked       Kind = "Locked"
	KindBadFormat    Kind = "BadFormat"
	KindOutOfRange   Kind = "OutOfRange"
	KindUnauthorized Kind = "Unauthorized"
	KindUnavailable  Kind = "Unavailable"
	KindCancelled    Kind = "Cancelled"
	KindRateLimited  Kind = "RateLimited"
	KindIndexCorrupt Kind = "IndexCorrupt"
	KindInternal     Kind = "Internal"
)

// LDMError is a named-kind error carrying caller-facing detail.
type LDMError struct {
	Kind          Kind
	Message       string
	CorrelationID string // populated by Wrap for KindInternal
	Detail        map[string]any
	cause         error
}

func (e *LDMError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *LDMError) Unwrap() error { return e.cause }

// New builds a named-kind error.
func New(kind Kind, message string) *LDMError {
	return &LDMError{Kind: kind, Message: message}
}

// Wrap attaches a kind to an underlying cause, preserving it for errors.Is/As.
func Wrap(kind Kind, cause error, format string, args ...any) *LDMError {
	e := &LDMError{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
	if kind == KindInternal {
		var b [8]byte
		_, _ = rand.Read(b[:])
		e.CorrelationID = hex.EncodeToString(b[:])
	}
	return e
}

// WithDetail attaches structured detail (e.g. Locked's holder, Conflict's
// two target values) consumed by the inbound API layer.
func (e *LDMError) WithDetail(key string, value any) *LDMError {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[key] = value
	return e
}

// NotFound, Conflict, Locked, BadFormat, Unavailable, Cancelled are
// convenience constructors for the kinds spec.md's components raise most.
func NotFound(format string, args ...any) *LDMError {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *LDMError {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func Locked(holder string) *LDMError {
	return New(KindLocked, "row is locked").WithDetail("holder", holder)
}

func BadFormat(format string, args ...any) *LDMError {
	return New(KindBadFormat, fmt.Sprintf(format, args...))
}

func Unavailable(format string, args ...any) *LDMError {
	return New(KindUnavailable, fmt.Sprintf(format, args...))
}

func Cancelled(format string, args ...any) *LDMError {
	return New(KindCancelled, fmt.Sprintf(format, args...))
}

func Unauthorized(format string, args ...any) *LDMError {
	return New(KindUnauthorized, fmt.Sprintf(format, args...))
}

// Is reports whether err carries the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var le *LDMError
	for err != nil {
		if e, ok := err.(*LDMError); ok {
			le = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return le != nil && le.Kind == kind
}

// jsonError is the wire shape for FatalError's --json mode.
type jsonError struct {
	Error         string         `json:"error"`
	Kind          Kind           `json:"kind"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// FatalError prints err to stderr (plain text or JSON, per asJSON) and
// exits the process with a non-zero status. Mirrors the teacher's
// internal/errors.FatalError call sites in cmd/ldmd/*.go.
func FatalError(err error, asJSON bool) {
	if err == nil {
		return
	}
	le, ok := err.(*LDMError)
	if !ok {
		le = Wrap(KindInternal, err, "%s", err.Error())
	}
	if asJSON {
		payload := jsonError{
			Error:         le.Error(),
			Kind:          le.Kind,
			CorrelationID: le.CorrelationID,
			Detail:        le.Detail,
		}
		enc := json.NewEncoder(os.Stderr)
		_ = enc.Encode(payload)
	} else {
		fmt.Fprintln(os.Stderr, "error:", le.Error())
	}
	os.Exit(1)
}

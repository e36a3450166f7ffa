package engine

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an engine failure.
type ErrorCode string

// Engine error codes.
const (
	ErrMemory              ErrorCode = "memory"
	ErrSystem              ErrorCode = "system"
	ErrBadPerms            ErrorCode = "bad_perms"
	ErrNotAFile            ErrorCode = "not_a_file"
	ErrNotADir             ErrorCode = "not_a_dir"
	ErrWrongArgs           ErrorCode = "wrong_args"
	ErrDiskSpace           ErrorCode = "disk_space"
	ErrHandleNull          ErrorCode = "handle_null"
	ErrHandleLock          ErrorCode = "handle_lock"
	ErrDBOpen              ErrorCode = "db_open"
	ErrDBCreate            ErrorCode = "db_create"
	ErrDBNotNull           ErrorCode = "db_not_null"
	ErrDBNotFound          ErrorCode = "db_not_found"
	ErrDBInvalid           ErrorCode = "db_invalid"
	ErrDBInvalidSig        ErrorCode = "db_invalid_sig"
	ErrServerBadURL        ErrorCode = "server_bad_url"
	ErrServerNone          ErrorCode = "server_none"
	ErrTransNotNull        ErrorCode = "trans_not_null"
	ErrTransNull           ErrorCode = "trans_null"
	ErrTransNotPrepared    ErrorCode = "trans_not_prepared"
	ErrTransAbort          ErrorCode = "trans_abort"
	ErrPkgNotFound         ErrorCode = "pkg_not_found"
	ErrPkgInvalid          ErrorCode = "pkg_invalid"
	ErrPkgInvalidChecksum  ErrorCode = "pkg_invalid_checksum"
	ErrPkgInvalidSig       ErrorCode = "pkg_invalid_sig"
	ErrPkgInvalidArch      ErrorCode = "pkg_invalid_arch"
	ErrDeltaInvalid        ErrorCode = "dlt_invalid"
	ErrUnsatisfiedDeps     ErrorCode = "unsatisfied_deps"
	ErrConflictingDeps     ErrorCode = "conflicting_deps"
	ErrFileConflicts       ErrorCode = "file_conflicts"
	ErrRetrieve            ErrorCode = "retrieve"
	ErrInvalidRegex        ErrorCode = "invalid_regex"
	ErrExternalDownload    ErrorCode = "external_download"
	ErrGPGME               ErrorCode = "gpgme"
	ErrSigMissing          ErrorCode = "sig_missing"
	ErrSigInvalid          ErrorCode = "sig_invalid"
	ErrMissingCapabilities ErrorCode = "missing_capabilities"
)

var errorDescriptions = map[ErrorCode]string{
	ErrMemory:              "out of memory!",
	ErrSystem:              "unexpected system error",
	ErrBadPerms:            "permission denied",
	ErrNotAFile:            "could not find or read file",
	ErrNotADir:             "could not find or read directory",
	ErrWrongArgs:           "wrong or NULL argument passed",
	ErrDiskSpace:           "not enough free disk space",
	ErrHandleNull:          "library not initialized",
	ErrHandleLock:          "unable to lock database",
	ErrDBOpen:              "could not open database",
	ErrDBCreate:            "could not create database",
	ErrDBNotNull:           "database already registered",
	ErrDBNotFound:          "could not find database",
	ErrDBInvalid:           "invalid or corrupted database",
	ErrDBInvalidSig:        "invalid or corrupted database (PGP signature)",
	ErrServerBadURL:        "invalid url for server",
	ErrServerNone:          "no servers configured for repository",
	ErrTransNotNull:        "transaction already initialized",
	ErrTransNull:           "transaction not initialized",
	ErrTransNotPrepared:    "transaction not prepared",
	ErrTransAbort:          "transaction aborted",
	ErrPkgNotFound:         "could not find or read package",
	ErrPkgInvalid:          "invalid or corrupted package",
	ErrPkgInvalidChecksum:  "invalid or corrupted package (checksum)",
	ErrPkgInvalidSig:       "invalid or corrupted package (PGP signature)",
	ErrPkgInvalidArch:      "package architecture is not valid",
	ErrDeltaInvalid:        "invalid or corrupted delta",
	ErrUnsatisfiedDeps:     "could not satisfy dependencies",
	ErrConflictingDeps:     "conflicting dependencies",
	ErrFileConflicts:       "conflicting files",
	ErrRetrieve:            "failed to retrieve some files",
	ErrInvalidRegex:        "invalid regular expression",
	ErrExternalDownload:    "error invoking external downloader",
	ErrGPGME:               "gpgme error",
	ErrSigMissing:          "missing PGP signature",
	ErrSigInvalid:          "invalid PGP signature",
	ErrMissingCapabilities: "compiled without the required capabilities",
}

// Description returns the engine's human readable description of the code.
func (c ErrorCode) Description() string {
	if s, ok := errorDescriptions[c]; ok {
		return s
	}
	return "unexpected error"
}

// Item is one detail record attached to a prepare or commit failure.
type Item interface {
	item()
}

// InvalidArch names a package whose architecture does not match.
type InvalidArch struct {
	Package string
}

// MissingDependency is an unsatisfied dependency of Target.
type MissingDependency struct {
	Target     string
	Depend     Depend
	CausingPkg string
}

// Conflict is a dependency conflict between two packages.
type Conflict struct {
	Package1 string
	Package2 string
	Reason   Depend
}

// FileConflictType distinguishes file conflict sources.
type FileConflictType int

const (
	// FileConflictTarget is a conflict between two packages being installed.
	FileConflictTarget FileConflictType = iota + 1
	// FileConflictFilesystem is a conflict with a file already on disk.
	FileConflictFilesystem
)

// FileConflict is a file owned by more than one source.
type FileConflict struct {
	Target  string
	Type    FileConflictType
	File    string
	CTarget string
}

// InvalidPackage names a package file that failed verification.
type InvalidPackage struct {
	Filename string
}

func (InvalidArch) item()       {}
func (MissingDependency) item() {}
func (Conflict) item()          {}
func (FileConflict) item()      {}
func (InvalidPackage) item()    {}

// Error is a failure reported by the engine.
type Error struct {
	Code  ErrorCode
	Items []Item
	Err   error
}

// NewError creates an engine error with the given code and detail items.
func NewError(code ErrorCode, items ...Item) *Error {
	return &Error{Code: code, Items: items}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code.Description(), e.Err)
	}
	return e.Code.Description()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches engine errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the engine error code carried by err, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Describe returns the engine description of err: the code description for
// engine errors, err.Error() otherwise.
func Describe(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code.Description()
	}
	return err.Error()
}

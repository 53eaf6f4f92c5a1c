package collab

import (
	"errors"
	"fmt"
)

// error taxonomy:
// - ErrUnauthorized: bad credential at connect time. no room side effects.
// - ProtocolError: malformed or out-of-sequence message. terminates the session only.
// - MergeError: structurally invalid operation set. dropped whole, document unaffected.
// - PersistenceError: load/flush failure. retried, room teardown blocked until resolved.
// - RestoreError: version restore failed partway. the whole restore is retried as a unit.

var ErrUnauthorized = errors.New("Unauthorized.")

type ProtocolError struct {
	Reason string
}

func NewProtocolError(format string, a ...any) *ProtocolError {
	return &ProtocolError{
		Reason: fmt.Sprintf(format, a...),
	}
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("Protocol error: %s", self.Reason)
}

type MergeError struct {
	Reason string
}

func NewMergeError(format string, a ...any) *MergeError {
	return &MergeError{
		Reason: fmt.Sprintf(format, a...),
	}
}

func (self *MergeError) Error() string {
	return fmt.Sprintf("Merge error: %s", self.Reason)
}

type PersistenceError struct {
	DocumentId DocumentId
	Op         string
	Err        error
}

func (self *PersistenceError) Error() string {
	return fmt.Sprintf("Persistence error (%s %s): %s", self.Op, self.DocumentId, self.Err)
}

func (self *PersistenceError) Unwrap() error {
	return self.Err
}

type RestoreError struct {
	VersionId Id
	FileId    string
	Err       error
}

func (self *RestoreError) Error() string {
	return fmt.Sprintf("Restore error (version %s, file %s): %s", self.VersionId, self.FileId, self.Err)
}

func (self *RestoreError) Unwrap() error {
	return self.Err
}

package pmtiles

import (
	"errors"
	"fmt"
)

// ErrArchiveUnreadable marks I/O or format failures. It is never used for
// tiles that are simply absent from an archive.
var ErrArchiveUnreadable = errors.New("archive unreadable")

// ArchiveError carries the archive key of an unreadable archive.
type ArchiveError struct {
	Key string
	Err error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s unreadable: %v", e.Key, e.Err)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}

func (e *ArchiveError) Is(target error) bool {
	return target == ErrArchiveUnreadable
}

func unreadable(key string, err error) error {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return err
	}
	return &ArchiveError{Key: key, Err: err}
}

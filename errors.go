package sfs

import "errors"

// Sentinel errors returned by sfs operations, compared with errors.Is.
// These mirror the errno values the original kernel module returned
// (-ENOSPC, -ENOMEM, -EIO, -ENAMETOOLONG, -EEXIST, -ENOTEMPTY, -ENOENT,
// -EINVAL) but are spelled out so callers never need to know about
// Unix errno numbers.
var (
	ErrNoSpace     = errors.New("sfs: no space left on device")
	ErrNoMem       = errors.New("sfs: no free inodes")
	ErrIO          = errors.New("sfs: i/o error")
	ErrNameTooLong = errors.New("sfs: name too long")
	ErrExists      = errors.New("sfs: file exists")
	ErrNotEmpty    = errors.New("sfs: directory not empty")
	ErrNotFound    = errors.New("sfs: no such file or directory")
	ErrInvalidArg  = errors.New("sfs: invalid argument")
	ErrNotDir      = errors.New("sfs: not a directory")
	ErrIsDir       = errors.New("sfs: is a directory")
	ErrTooManyLinks = errors.New("sfs: too many links")
)

package sfs

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Option configures a Namespace at construction time, following the
// functional-options pattern the teacher uses for InodeOffset
// (KarpelesLab/squashfs options.go), generalized here to cover
// logging and clock injection.
type Option func(ns *Namespace) error

// WithLogger attaches a *logrus.Logger that namespace operations log
// through instead of the package default (a logrus.New() logger, which
// writes Info and above to stderr).
func WithLogger(l *logrus.Logger) Option {
	return func(ns *Namespace) error {
		ns.log = l
		return nil
	}
}

// Clock returns the current time as a Unix-epoch second count, the
// unit sfs inode timestamps are stored in.
type Clock func() uint32

// WithClock overrides the default time.Now-based Clock, primarily for
// deterministic tests.
func WithClock(c Clock) Option {
	return func(ns *Namespace) error {
		ns.clock = c
		return nil
	}
}

func defaultClock() uint32 {
	return uint32(time.Now().Unix())
}

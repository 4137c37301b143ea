//go:build linux || darwin

package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/smalloc/memutils"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

// allocationErrno returns the errno for a NULL result from operation. The malloc family only promises
// ENOMEM, so that is what every failure reports. A size that could never be represented is a caller bug
// rather than memory pressure, and is logged with the detail errno cannot carry.
func allocationErrno(operation string, err error) unix.Errno {
	if errors.Is(err, memutils.ErrSizeOverflow) || errors.Is(err, memutils.ErrInvalidSize) {
		logger.LogAttrs(context.Background(), slog.LevelWarn, "libsmalloc: request size cannot be represented",
			slog.String("Operation", operation),
			slog.Any("error", err))
	}

	return unix.ENOMEM
}

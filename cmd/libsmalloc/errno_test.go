//go:build linux || darwin

package main

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/smalloc/memutils"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

func TestAllocationFailuresReportENOMEM(t *testing.T) {
	var out bytes.Buffer
	previous := logger
	logger = slog.New(slog.NewJSONHandler(&out, nil))
	defer func() { logger = previous }()

	errno := allocationErrno("malloc", errors.Wrap(memutils.ErrOutOfMemory, "region exhausted"))
	require.Equal(t, unix.ENOMEM, errno)
	require.Empty(t, out.String())

	errno = allocationErrno("calloc", errors.Wrap(memutils.ErrSizeOverflow, "element count too large"))
	require.Equal(t, unix.ENOMEM, errno)
	require.Contains(t, out.String(), `"Operation":"calloc"`)
	require.Contains(t, out.String(), "element count too large")

	out.Reset()
	errno = allocationErrno("realloc", errors.Wrap(memutils.ErrInvalidSize, "size is -1"))
	require.Equal(t, unix.ENOMEM, errno)
	require.Contains(t, out.String(), "size is -1")
}

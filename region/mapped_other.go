//go:build !linux && !darwin

package region

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/smalloc/memutils"
)

// Mapped is unavailable on this platform. NewMapped always fails with memutils.ErrUnsupported.
type Mapped struct {
	Arena
}

func NewMapped(reserve int) (*Mapped, error) {
	return nil, errors.Wrapf(memutils.ErrUnsupported, "cannot reserve %d bytes of address space", reserve)
}

func (m *Mapped) Reserved() int { return 0 }

func (m *Mapped) Close() error { return nil }

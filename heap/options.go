package heap

import "strings"

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags uint32

const (
	// CreateVerifyPointers makes Release, Resize and UsableSize confirm that a pointer's header is reachable
	// from the heap origin before trusting it. This turns every one of those calls into a walk of the block
	// list, but rejects foreign pointers that happen to sit in front of a copy of the sentinel.
	CreateVerifyPointers CreateFlags = 1 << iota
	// CreateValidateEveryCall runs Validate after every call that changes the block list and panics if it
	// fails. It is far too slow for production use.
	CreateValidateEveryCall
)

var createFlagNames = []struct {
	flag CreateFlags
	name string
}{
	{CreateVerifyPointers, "CreateVerifyPointers"},
	{CreateValidateEveryCall, "CreateValidateEveryCall"},
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, entry := range createFlagNames {
		if f&entry.flag != 0 {
			names = append(names, entry.name)
			f &^= entry.flag
		}
	}

	if f != 0 {
		names = append(names, "Unknown")
	}

	return strings.Join(names, "|")
}

// CreateOptions contains optional settings when creating a Heap. It is valid to leave all the fields blank.
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
}

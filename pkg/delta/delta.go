package delta

import (
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/schema"
)

// Op discriminates the kinds of committed write.
type Op uint8

const (
	// OpSet writes a new version of a key.
	OpSet Op = iota + 1
	// OpRemove writes a tombstone version of a key.
	OpRemove
	// OpUnset erases a single (key, version) entry. Used to undo an
	// applied write, never by user transactions.
	OpUnset
	// OpDrop erases every version of a key up to a cut-off. Used by
	// retention garbage collection.
	OpDrop
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	case OpUnset:
		return "unset"
	case OpDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Delta is one item of a commit batch handed to the storage layer.
type Delta struct {
	Op  Op
	Key key.EncodedKey
	// Row is the encoded post-value for OpSet; nil otherwise.
	Row schema.EncodedRow
	// UpToVersion bounds OpDrop; versions <= UpToVersion are erased.
	UpToVersion uint64
}

// Set builds a write delta.
func Set(k key.EncodedKey, row schema.EncodedRow) Delta {
	return Delta{Op: OpSet, Key: k, Row: row}
}

// Remove builds a tombstone delta.
func Remove(k key.EncodedKey) Delta {
	return Delta{Op: OpRemove, Key: k}
}

// Unset builds a version-erase delta.
func Unset(k key.EncodedKey) Delta {
	return Delta{Op: OpUnset, Key: k}
}

// Drop builds a retention delta erasing all versions <= upTo.
func Drop(k key.EncodedKey, upTo uint64) Delta {
	return Delta{Op: OpDrop, Key: k, UpToVersion: upTo}
}

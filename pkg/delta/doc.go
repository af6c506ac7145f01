// Package delta defines the commit write units handed to the storage
// layer: Set, Remove (tombstone), Unset (erase one version) and Drop
// (erase versions up to a cut-off, used by retention).
package delta

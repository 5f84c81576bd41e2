// Package api defines the data types, wire messages, configuration, and
// external-collaborator contracts consumed by the scrub coordinator. Nothing
// in this package depends on internal/scrub, so the coordinator's tests can
// build fakes against it without importing coordinator internals.
package api

import "fmt"

// Epoch is a peering-interval epoch. Crossing an interval invalidates any
// in-flight scrub session.
type Epoch int64

// ShardID identifies a member of a PG's acting set. This module does not
// separately model erasure-coded shard indices; a ShardID is simply "the OSD
// holding this copy".
type ShardID int32

// SnapID orders clones of an object relative to its head.
type SnapID uint64

// SnapHead marks an ObjectKey as the live ("head") version of an object,
// mirroring Ceph's CEPH_NOSNAP sentinel.
const SnapHead SnapID = ^SnapID(0)

// ObjectKey is the hobject_t analogue: a fully ordered key identifying one
// version (head or clone) of one object in a PG's namespace.
type ObjectKey struct {
	Namespace string
	Name      string
	Snap      SnapID
}

// MaxObjectKey is a sentinel strictly greater than every real key; it marks
// the end of a PG's keyspace, tested for via ObjectKey.IsMax.
var MaxObjectKey = ObjectKey{Namespace: "\xff\xff", Name: "\xff\xff", Snap: SnapHead}

// StartObjectKey is the least possible key in a PG's namespace.
var StartObjectKey = ObjectKey{}

// Less reports whether k sorts before other. Objects are ordered by
// (Namespace, Name) and then by Snap ascending, so every clone of an object
// (Snap < SnapHead) sorts immediately before that object's head (Snap ==
// SnapHead) -- the property the head/clone chunk-boundary rule depends on.
func (k ObjectKey) Less(other ObjectKey) bool {
	if k.Namespace != other.Namespace {
		return k.Namespace < other.Namespace
	}
	if k.Name != other.Name {
		return k.Name < other.Name
	}
	return k.Snap < other.Snap
}

// LessOrEqual reports whether k sorts at or before other.
func (k ObjectKey) LessOrEqual(other ObjectKey) bool {
	return k == other || k.Less(other)
}

// IsHead reports whether k identifies the live version of an object.
func (k ObjectKey) IsHead() bool {
	return k.Snap == SnapHead && k != MaxObjectKey
}

// IsMax reports whether k is the end-of-keyspace sentinel.
func (k ObjectKey) IsMax() bool {
	return k == MaxObjectKey
}

// Head returns the head key for the object k belongs to.
func (k ObjectKey) Head() ObjectKey {
	return ObjectKey{Namespace: k.Namespace, Name: k.Name, Snap: SnapHead}
}

// ObjectBoundary returns the smallest key strictly greater than every
// version of the object k belongs to -- used to round a candidate chunk end
// that lands exactly on a head forward onto an object boundary.
func (k ObjectKey) ObjectBoundary() ObjectKey {
	return ObjectKey{Namespace: k.Namespace, Name: k.Name + "\x00", Snap: 0}
}

func (k ObjectKey) String() string {
	if k.IsMax() {
		return "MAX"
	}
	if k.Snap == SnapHead {
		return fmt.Sprintf("%s/%s/head", k.Namespace, k.Name)
	}
	return fmt.Sprintf("%s/%s/%d", k.Namespace, k.Name, k.Snap)
}

// Version is the eversion_t analogue: a (epoch, sequence) pair used to fence
// the "has this chunk's last write been applied yet" check against
// subsetLastUpdate.
type Version struct {
	Epoch Epoch
	Seq   uint64
}

// Less reports whether v sorts before other.
func (v Version) Less(other Version) bool {
	if v.Epoch != other.Epoch {
		return v.Epoch < other.Epoch
	}
	return v.Seq < other.Seq
}

// AtLeast reports whether v is the same as, or newer than, other.
func (v Version) AtLeast(other Version) bool {
	return other.Less(v) || v == other
}

// ObjectCount is a chunk-size bound. It is an alias for int64, not a
// distinct type, so every chunk bound in this package is int64 throughout.
type ObjectCount = int64

// Priority is a scheduler dispatch priority. Higher sorts more urgent.
type Priority uint32

// Package pathmodel implements the scheme-tagged logical path enumeration
// described here: physical device paths, remote-device paths,
// content-addressed references, and sidecar (derived artifact) references.
package pathmodel

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Scheme discriminates the variants of a logical Path.
type Scheme int

const (
	// SchemePhysical anchors a path to a device slug and an OS path.
	SchemePhysical Scheme = iota
	// SchemeRemoteDevice is shaped like Physical but names a peer device;
	// it can never be resolved to a local OS path by this layer.
	SchemeRemoteDevice
	// SchemeContent references an entry by content hash.
	SchemeContent
	// SchemeSidecar references a derived artifact of a content hash.
	SchemeSidecar
)

func (s Scheme) String() string {
	switch s {
	case SchemePhysical:
		return "physical"
	case SchemeRemoteDevice:
		return "remote-device"
	case SchemeContent:
		return "content"
	case SchemeSidecar:
		return "sidecar"
	default:
		return "unknown"
	}
}

// ErrRemoteUnresolvable is returned when a caller asks this layer to
// resolve a remote-device path to a local OS path; this layer never
// reaches over the network.
var ErrRemoteUnresolvable = errors.New("pathmodel: remote paths are not resolvable locally")

// ErrNoLocalEntryForContent is returned when resolving a content or
// sidecar path and no local entry references that content hash.
var ErrNoLocalEntryForContent = errors.New("pathmodel: no local entry references this content hash")

// SidecarVariant names the kind of a derived artifact.
type SidecarVariant string

const (
	VariantThumbnail SidecarVariant = "thumbnail"
	VariantPreview   SidecarVariant = "preview"
	VariantTranscode SidecarVariant = "transcode"
)

// Path is a tagged logical path. Exactly the fields relevant to Scheme are
// populated; callers should switch on Scheme before reading other fields.
type Path struct {
	Scheme Scheme

	// Physical / RemoteDevice
	DeviceSlug string
	OSPath     string // relative to the device root, OS-native separators

	// Content / Sidecar
	ContentHash string
	Variant     SidecarVariant // only for Sidecar
}

// Physical builds a Scheme=Physical path for the given device slug.
func Physical(deviceSlug, osPath string) Path {
	return Path{Scheme: SchemePhysical, DeviceSlug: deviceSlug, OSPath: osPath}
}

// Remote builds a Scheme=RemoteDevice path for a peer device slug.
func Remote(deviceSlug, osPath string) Path {
	return Path{Scheme: SchemeRemoteDevice, DeviceSlug: deviceSlug, OSPath: osPath}
}

// Content builds a Scheme=Content path from a content hash.
func Content(hash string) Path {
	return Path{Scheme: SchemeContent, ContentHash: hash}
}

// Sidecar builds a Scheme=Sidecar path from a content hash and variant.
func Sidecar(hash string, variant SidecarVariant) Path {
	return Path{Scheme: SchemeSidecar, ContentHash: hash, Variant: variant}
}

// Join appends name onto the path's OSPath. Joining onto a remote path is
// allowed syntactically; only resolution rejects it.
func (p Path) Join(name string) Path {
	p.OSPath = filepath.Join(p.OSPath, name)
	return p
}

// EntryLookup is the narrow interface this layer needs from the entry
// store to resolve content-addressed paths: a lookup from content hash to
// one concrete local physical path ("resolution requires an
// entry store lookup").
type EntryLookup interface {
	PhysicalPathForContent(contentHash string) (devSlug, osPath string, found bool)
}

// Resolve implements the resolution rules:
//   - Physical on the same device passes through unchanged.
//   - Content or Sidecar looks up one concrete local entry by content hash.
//   - Remote always errors; this layer never reaches over the network.
func Resolve(p Path, localDeviceSlug string, lookup EntryLookup) (Path, error) {
	switch p.Scheme {
	case SchemePhysical:
		return p, nil
	case SchemeRemoteDevice:
		return Path{}, fmt.Errorf("resolve %s on device %s: %w", p.OSPath, p.DeviceSlug, ErrRemoteUnresolvable)
	case SchemeContent, SchemeSidecar:
		slug, osPath, found := lookup.PhysicalPathForContent(p.ContentHash)
		if !found {
			return Path{}, fmt.Errorf("resolve content %s: %w", p.ContentHash, ErrNoLocalEntryForContent)
		}
		resolved := Physical(slug, osPath)
		_ = localDeviceSlug // retained for callers that want to assert same-device; not required to resolve
		return resolved, nil
	default:
		return Path{}, fmt.Errorf("resolve: unknown scheme %v", p.Scheme)
	}
}

// SameDevice reports whether two physical/remote paths refer to the same
// device slug.
func SameDevice(a, b Path) bool {
	return a.DeviceSlug == b.DeviceSlug
}

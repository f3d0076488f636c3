package sync

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/golang/protobuf/ptypes"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/proto/mirror"
)

// Kind is the type of filesystem object described by a PathEntry.
type Kind int

const (
	// File is a regular file.
	File Kind = iota
	// Directory is a directory. Its children are tracked as separate entries.
	Directory
	// Symlink is a symbolic link. The link itself is synced, not its target.
	Symlink
	// Tombstone marks a path that is known to have existed but has been
	// removed.
	Tombstone
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Directory:
		return "directory"
	case Symlink:
		return "symlink"
	case Tombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PathEntry is one path's known state.
type PathEntry struct {
	// Path is relative to the synced root and always uses forward slashes.
	Path string

	Kind Kind

	// ModTime and Size are only meaningful for regular files.
	ModTime time.Time
	Size    int64

	// Fingerprint is a strong hash of the file's contents. It's empty when
	// the hash isn't known, in which case files are compared by ModTime and
	// Size alone.
	Fingerprint string

	// SymlinkTarget is only set for symlinks.
	SymlinkTarget string

	// Mode holds the permission bits. It's carried so that the receiver can
	// recreate the file faithfully, but isn't used for comparison.
	Mode os.FileMode
}

// NewTombstone returns the entry recording that `path` was removed.
func NewTombstone(path string) PathEntry {
	return PathEntry{Path: path, Kind: Tombstone}
}

// Differs returns whether a sync is necessary to turn `other` into `e`.
func (e PathEntry) Differs(other PathEntry) bool {
	if e.Kind != other.Kind {
		return true
	}

	switch e.Kind {
	case File:
		if e.ModTime.Equal(other.ModTime) && e.Size == other.Size {
			return false
		}

		// Matching fingerprints mean only the metadata changed, so there's
		// nothing to transfer.
		if e.Fingerprint != "" && other.Fingerprint != "" {
			return e.Fingerprint != other.Fingerprint
		}
		return true
	case Symlink:
		return e.SymlinkTarget != other.SymlinkTarget
	default:
		return false
	}
}

// Update is a single transmissible change to one path. A tombstone entry
// represents a deletion.
type Update struct {
	Entry PathEntry

	// Data is the file contents. It's only populated for regular files, and
	// only right before the update is sent over the wire.
	Data []byte
}

// Path returns the path the update applies to.
func (u Update) Path() string {
	return u.Entry.Path
}

func (u Update) String() string {
	return fmt.Sprintf("%s(%s)", u.Entry.Kind, u.Entry.Path)
}

// NormalizePath converts `p` into the canonical form used as a PathState key.
// It rejects paths that would escape the synced root.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", errors.Errorf("path %q must be relative", p)
	}

	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Errorf("path %q is outside the synced root", p)
	}
	return cleaned, nil
}

// Marshal converts the update into the protobuf format.
func (u Update) Marshal() (*mirror.Update, error) {
	pb := &mirror.Update{
		Path:          u.Entry.Path,
		Kind:          mirror.Kind(u.Entry.Kind),
		Size:          u.Entry.Size,
		Fingerprint:   u.Entry.Fingerprint,
		SymlinkTarget: u.Entry.SymlinkTarget,
		Mode:          uint32(u.Entry.Mode),
		Data:          u.Data,
	}

	if !u.Entry.ModTime.IsZero() {
		modTime, err := ptypes.TimestampProto(u.Entry.ModTime)
		if err != nil {
			return nil, errors.WithContext(err, "marshal modtime timestamp")
		}
		pb.ModTime = modTime
	}
	return pb, nil
}

// UnmarshalUpdate parses the protobuf version of an update into the go type
// that's used in the rest of the code.
func UnmarshalUpdate(pb *mirror.Update) (Update, error) {
	path, err := NormalizePath(pb.GetPath())
	if err != nil {
		return Update{}, err
	}

	kind := Kind(pb.GetKind())
	if kind < File || kind > Tombstone {
		return Update{}, errors.Errorf("unknown kind %d for %q", pb.GetKind(), path)
	}

	var modTime time.Time
	if pb.GetModTime() != nil {
		modTime, err = ptypes.Timestamp(pb.GetModTime())
		if err != nil {
			return Update{}, errors.WithContext(err, "parse modtime")
		}
	}

	return Update{
		Entry: PathEntry{
			Path:          path,
			Kind:          kind,
			ModTime:       modTime,
			Size:          pb.GetSize(),
			Fingerprint:   pb.GetFingerprint(),
			SymlinkTarget: pb.GetSymlinkTarget(),
			Mode:          os.FileMode(pb.GetMode()),
		},
		Data: pb.GetData(),
	}, nil
}

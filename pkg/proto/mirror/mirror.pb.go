// Package mirror contains the wire types and gRPC bindings for the mirror
// service described in mirror.proto.
//
// The message types follow the layout emitted by protoc-gen-go so that the
// golang/protobuf runtime can marshal them from their struct tags.
package mirror

import (
	fmt "fmt"

	proto "github.com/golang/protobuf/proto"
	timestamp "github.com/golang/protobuf/ptypes/timestamp"
)

// Kind is the type of filesystem object an Update describes.
type Kind int32

const (
	Kind_FILE      Kind = 0
	Kind_DIRECTORY Kind = 1
	Kind_SYMLINK   Kind = 2
	Kind_TOMBSTONE Kind = 3
)

var Kind_name = map[int32]string{
	0: "FILE",
	1: "DIRECTORY",
	2: "SYMLINK",
	3: "TOMBSTONE",
}

var Kind_value = map[string]int32{
	"FILE":      0,
	"DIRECTORY": 1,
	"SYMLINK":   2,
	"TOMBSTONE": 3,
}

func (x Kind) String() string {
	if name, ok := Kind_name[int32(x)]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int32(x))
}

type Update struct {
	Path                 string               `protobuf:"bytes,1,opt,name=path,proto3" json:"path,omitempty"`
	Kind                 Kind                 `protobuf:"varint,2,opt,name=kind,proto3,enum=mirror.Kind" json:"kind,omitempty"`
	ModTime              *timestamp.Timestamp `protobuf:"bytes,3,opt,name=mod_time,json=modTime,proto3" json:"mod_time,omitempty"`
	Size                 int64                `protobuf:"varint,4,opt,name=size,proto3" json:"size,omitempty"`
	Fingerprint          string               `protobuf:"bytes,5,opt,name=fingerprint,proto3" json:"fingerprint,omitempty"`
	SymlinkTarget        string               `protobuf:"bytes,6,opt,name=symlink_target,json=symlinkTarget,proto3" json:"symlink_target,omitempty"`
	Mode                 uint32               `protobuf:"varint,7,opt,name=mode,proto3" json:"mode,omitempty"`
	Data                 []byte               `protobuf:"bytes,8,opt,name=data,proto3" json:"data,omitempty"`
	XXX_NoUnkeyedLiteral struct{}             `json:"-"`
	XXX_unrecognized     []byte               `json:"-"`
	XXX_sizecache        int32                `json:"-"`
}

func (m *Update) Reset()         { *m = Update{} }
func (m *Update) String() string { return proto.CompactTextString(m) }
func (*Update) ProtoMessage()    {}

func (m *Update) GetPath() string {
	if m != nil {
		return m.Path
	}
	return ""
}

func (m *Update) GetKind() Kind {
	if m != nil {
		return m.Kind
	}
	return Kind_FILE
}

func (m *Update) GetModTime() *timestamp.Timestamp {
	if m != nil {
		return m.ModTime
	}
	return nil
}

func (m *Update) GetSize() int64 {
	if m != nil {
		return m.Size
	}
	return 0
}

func (m *Update) GetFingerprint() string {
	if m != nil {
		return m.Fingerprint
	}
	return ""
}

func (m *Update) GetSymlinkTarget() string {
	if m != nil {
		return m.SymlinkTarget
	}
	return ""
}

func (m *Update) GetMode() uint32 {
	if m != nil {
		return m.Mode
	}
	return 0
}

func (m *Update) GetData() []byte {
	if m != nil {
		return m.Data
	}
	return nil
}

type InitialSyncRequest struct {
	State                []*Update `protobuf:"bytes,1,rep,name=state,proto3" json:"state,omitempty"`
	Version              string    `protobuf:"bytes,2,opt,name=version,proto3" json:"version,omitempty"`
	XXX_NoUnkeyedLiteral struct{}  `json:"-"`
	XXX_unrecognized     []byte    `json:"-"`
	XXX_sizecache        int32     `json:"-"`
}

func (m *InitialSyncRequest) Reset()         { *m = InitialSyncRequest{} }
func (m *InitialSyncRequest) String() string { return proto.CompactTextString(m) }
func (*InitialSyncRequest) ProtoMessage()    {}

func (m *InitialSyncRequest) GetState() []*Update {
	if m != nil {
		return m.State
	}
	return nil
}

func (m *InitialSyncRequest) GetVersion() string {
	if m != nil {
		return m.Version
	}
	return ""
}

type InitialSyncResponse struct {
	State                []*Update `protobuf:"bytes,1,rep,name=state,proto3" json:"state,omitempty"`
	SessionId            string    `protobuf:"bytes,2,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
	Version              string    `protobuf:"bytes,3,opt,name=version,proto3" json:"version,omitempty"`
	XXX_NoUnkeyedLiteral struct{}  `json:"-"`
	XXX_unrecognized     []byte    `json:"-"`
	XXX_sizecache        int32     `json:"-"`
}

func (m *InitialSyncResponse) Reset()         { *m = InitialSyncResponse{} }
func (m *InitialSyncResponse) String() string { return proto.CompactTextString(m) }
func (*InitialSyncResponse) ProtoMessage()    {}

func (m *InitialSyncResponse) GetState() []*Update {
	if m != nil {
		return m.State
	}
	return nil
}

func (m *InitialSyncResponse) GetSessionId() string {
	if m != nil {
		return m.SessionId
	}
	return ""
}

func (m *InitialSyncResponse) GetVersion() string {
	if m != nil {
		return m.Version
	}
	return ""
}

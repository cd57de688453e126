package msgio

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Msg is a general purpose message: a what-code plus named fields.
// Field values follow google.protobuf.Value: strings, float64 numbers,
// bools, nil, lists and nested maps.
//
// Wire layout: [u32 what LE][deterministic protobuf Struct].
type Msg struct {
	Shared

	What   uint32
	fields *structpb.Struct
}

// NewMsg returns an empty message with the given what-code.
func NewMsg(what uint32) *Msg {
	return &Msg{What: what, fields: &structpb.Struct{Fields: map[string]*structpb.Value{}}}
}

// NewMsgFactory is a Factory producing empty *Msg values.
func NewMsgFactory() Factory {
	return func() Message { return NewMsg(0) }
}

// Set stores value under name. Setting a field detaches any ReuseTag
// since previously cached frames no longer describe the message.
func (m *Msg) Set(name string, value interface{}) error {
	v, err := structpb.NewValue(value)
	if err != nil {
		return errors.Wrapf(err, "field %q", name)
	}
	m.ensure()
	m.fields.Fields[name] = v
	m.SetReuseTag(nil)
	return nil
}

// Get returns the value stored under name.
func (m *Msg) Get(name string) (interface{}, bool) {
	if m.fields == nil {
		return nil, false
	}
	v, ok := m.fields.Fields[name]
	if !ok {
		return nil, false
	}
	return v.AsInterface(), true
}

// Remove deletes the named field and reports whether it existed.
func (m *Msg) Remove(name string) bool {
	if m.fields == nil {
		return false
	}
	if _, ok := m.fields.Fields[name]; !ok {
		return false
	}
	delete(m.fields.Fields, name)
	m.SetReuseTag(nil)
	return true
}

// Len returns the number of fields.
func (m *Msg) Len() int {
	if m.fields == nil {
		return 0
	}
	return len(m.fields.Fields)
}

// Field implements Fielder.
func (m *Msg) Field(name string) (string, bool) {
	if m.fields == nil {
		return "", false
	}
	v, ok := m.fields.Fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return s.StringValue, true
}

// SetField implements Fielder.
func (m *Msg) SetField(name, value string) {
	m.ensure()
	m.fields.Fields[name] = structpb.NewStringValue(value)
	m.SetReuseTag(nil)
}

// WithoutField implements Fielder.
func (m *Msg) WithoutField(name string) Message {
	if m.fields == nil {
		return m
	}
	if _, ok := m.fields.Fields[name]; !ok {
		return m
	}
	c := m.Clone()
	delete(c.fields.Fields, name)
	return c
}

// Clone returns a deep copy without the ReuseTag.
func (m *Msg) Clone() *Msg {
	c := NewMsg(m.What)
	if m.fields != nil {
		c.fields = proto.Clone(m.fields).(*structpb.Struct)
		if c.fields.Fields == nil {
			c.fields.Fields = map[string]*structpb.Value{}
		}
	}
	return c
}

// Size implements Message.
func (m *Msg) Size() int {
	if m.fields == nil {
		return 4
	}
	return 4 + proto.Size(m.fields)
}

// Flatten implements Message. Map fields are marshaled in a deterministic
// order so equal messages always flatten to equal bytes.
func (m *Msg) Flatten(out []byte) ([]byte, error) {
	out = binary.LittleEndian.AppendUint32(out, m.What)
	if m.fields == nil {
		return out, nil
	}
	out, err := proto.MarshalOptions{Deterministic: true}.MarshalAppend(out, m.fields)
	if err != nil {
		return nil, errors.Wrap(err, "flatten")
	}
	return out, nil
}

// Unflatten implements Message.
func (m *Msg) Unflatten(data []byte) error {
	if len(data) < 4 {
		return errors.Wrapf(ErrShortMessage, "%d bytes", len(data))
	}
	fields := &structpb.Struct{}
	if err := proto.Unmarshal(data[4:], fields); err != nil {
		return errors.Wrap(err, "unflatten")
	}
	if fields.Fields == nil {
		fields.Fields = map[string]*structpb.Value{}
	}
	m.What, m.fields = binary.LittleEndian.Uint32(data), fields
	m.SetReuseTag(nil)
	return nil
}

// Equal reports whether both messages have the same what-code and fields.
func (m *Msg) Equal(other *Msg) bool {
	if other == nil {
		return false
	}
	return m.What == other.What && proto.Equal(m.structOrEmpty(), other.structOrEmpty())
}

func (m *Msg) String() string {
	return fmt.Sprintf("Msg{what:%d fields:%d}", m.What, m.Len())
}

func (m *Msg) structOrEmpty() *structpb.Struct {
	if m.fields == nil {
		return &structpb.Struct{}
	}
	return m.fields
}

func (m *Msg) ensure() {
	if m.fields == nil {
		m.fields = &structpb.Struct{}
	}
	if m.fields.Fields == nil {
		m.fields.Fields = map[string]*structpb.Value{}
	}
}

// RawMsg carries opaque bytes. Unflatten keeps a reference to the
// receive buffer instead of copying it.
type RawMsg struct {
	Shared

	Data []byte
}

// NewRawMsgFactory is a Factory producing empty *RawMsg values.
func NewRawMsgFactory() Factory {
	return func() Message { return &RawMsg{} }
}

// Size implements Message.
func (m *RawMsg) Size() int {
	return len(m.Data)
}

// Flatten implements Message.
func (m *RawMsg) Flatten(out []byte) ([]byte, error) {
	return append(out, m.Data...), nil
}

// Unflatten implements Message.
func (m *RawMsg) Unflatten(data []byte) error {
	m.Data = data
	return nil
}

// RetainsBuffer implements Retainer.
func (m *RawMsg) RetainsBuffer() bool {
	return true
}

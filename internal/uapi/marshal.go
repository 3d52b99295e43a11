package uapi

import (
	"encoding/binary"
	"reflect"
	"unsafe"
)

// MarshalError reports a wire-format problem: too few bytes to satisfy
// a fixed-size struct, or an unsupported type.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)

// Marshal converts a command-channel struct to its wire bytes. Types
// with endian-sensitive fields get an explicit field-by-field encoder;
// everything else falls back to a native-order raw copy, matched by
// directUnmarshal below.
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *Header:
		return marshalHeader(val)
	case *RegIoEntry:
		return marshalRegIoEntry(val)
	default:
		return directMarshal(v)
	}
}

// Unmarshal converts wire bytes back into a command-channel struct.
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *Header:
		return unmarshalHeader(data, val)
	case *RegIoEntry:
		return unmarshalRegIoEntry(data, val)
	default:
		return directUnmarshal(data, v)
	}
}

func marshalHeader(h *Header) []byte {
	buf := make([]byte, unsafe.Sizeof(Header{}))
	binary.LittleEndian.PutUint32(buf[0:4], h.CmdID)
	binary.LittleEndian.PutUint64(buf[8:16], h.Next)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.RetCode))
	return buf
}

func unmarshalHeader(data []byte, h *Header) error {
	size := int(unsafe.Sizeof(Header{}))
	if len(data) < size {
		return ErrInsufficientData
	}
	h.CmdID = binary.LittleEndian.Uint32(data[0:4])
	h.Next = binary.LittleEndian.Uint64(data[8:16])
	h.RetCode = int32(binary.LittleEndian.Uint32(data[16:20]))
	return nil
}

func marshalRegIoEntry(e *RegIoEntry) []byte {
	buf := make([]byte, unsafe.Sizeof(RegIoEntry{}))
	binary.LittleEndian.PutUint32(buf[0:4], e.Tag)
	binary.LittleEndian.PutUint32(buf[4:8], e.Width)
	binary.LittleEndian.PutUint64(buf[8:16], e.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], e.Value)
	binary.LittleEndian.PutUint64(buf[24:32], e.Mask)
	binary.LittleEndian.PutUint64(buf[32:40], e.Expected)
	binary.LittleEndian.PutUint64(buf[40:48], e.TimeoutNs)
	return buf
}

func unmarshalRegIoEntry(data []byte, e *RegIoEntry) error {
	size := int(unsafe.Sizeof(RegIoEntry{}))
	if len(data) < size {
		return ErrInsufficientData
	}
	e.Tag = binary.LittleEndian.Uint32(data[0:4])
	e.Width = binary.LittleEndian.Uint32(data[4:8])
	e.Offset = binary.LittleEndian.Uint64(data[8:16])
	e.Value = binary.LittleEndian.Uint64(data[16:24])
	e.Mask = binary.LittleEndian.Uint64(data[24:32])
	e.Expected = binary.LittleEndian.Uint64(data[32:40])
	e.TimeoutNs = binary.LittleEndian.Uint64(data[40:48])
	return nil
}

// directMarshal copies a fixed-size struct's in-memory representation
// out as bytes, for wire structs that have no endian-sensitive fields
// worth an explicit encoder.
func directMarshal(v interface{}) []byte {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil
	}
	size := int(rv.Elem().Type().Size())
	buf := make([]byte, size)
	src := (*[1 << 20]byte)(unsafe.Pointer(rv.Pointer()))
	copy(buf, src[:size])
	return buf
}

// directUnmarshal is directMarshal's inverse: it copies data into the
// struct v points to.
func directUnmarshal(data []byte, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return ErrInvalidType
	}
	size := int(rv.Elem().Type().Size())
	if len(data) < size {
		return ErrInsufficientData
	}
	dst := (*[1 << 20]byte)(unsafe.Pointer(rv.Pointer()))
	copy(dst[:size], data[:size])
	return nil
}

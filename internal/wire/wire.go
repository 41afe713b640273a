// Package wire implements the binary encoding for every payload that
// crosses the UDP discovery socket or a TCP frame. It is a hand-rolled
// tag-value codec in the style of zre_msg.xml's generated Go, not
// Protocol Buffers: the wire format only needs to be self-consistent
// between two FlyKylin nodes, and spec allows any wire-compatible
// encoding.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// ErrMalformedPayload is returned when a decode call runs out of bytes
// or finds a field that violates the schema (e.g. an oversized
// length prefix). It corresponds to the Codec error kind: the caller
// should log and drop the frame, not tear down the connection.
var ErrMalformedPayload = errors.New("wire: malformed payload")

// Payload is satisfied by every schema in this package.
type Payload interface {
	Marshal() []byte
	Unmarshal([]byte) error
}

// DiscoveryType mirrors DiscoveryMessage.type in spec.md §6.
type DiscoveryType uint8

const (
	DiscoveryAnnounce  DiscoveryType = 1
	DiscoveryGoodbye   DiscoveryType = 2
	DiscoveryHeartbeat DiscoveryType = 3
)

// TcpMessageType mirrors TcpMessage.type.
type TcpMessageType uint8

const (
	TcpText        TcpMessageType = 1
	TcpFileRequest TcpMessageType = 2
	TcpFileChunk   TcpMessageType = 3
)

const protocolVersion uint32 = 1

// --- low-level buffer helpers, grounded on zeromq-gyre/msg/msg.go ---

func putString(buf *bytes.Buffer, s string) {
	b := []byte(s)
	if len(b) > 0xFFFF {
		b = b[:0xFFFF]
	}
	binary.Write(buf, binary.BigEndian, uint16(len(b)))
	buf.Write(b)
}

func getString(buf *bytes.Buffer) (string, error) {
	var size uint16
	if err := binary.Read(buf, binary.BigEndian, &size); err != nil {
		return "", ErrMalformedPayload
	}
	if buf.Len() < int(size) {
		return "", ErrMalformedPayload
	}
	s := make([]byte, size)
	buf.Read(s)
	return string(s), nil
}

func putBytes(buf *bytes.Buffer, data []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
}

func getBytes(buf *bytes.Buffer) ([]byte, error) {
	var size uint32
	if err := binary.Read(buf, binary.BigEndian, &size); err != nil {
		return nil, ErrMalformedPayload
	}
	if buf.Len() < int(size) {
		return nil, ErrMalformedPayload
	}
	data := make([]byte, size)
	buf.Read(data)
	return data, nil
}

func putStrings(buf *bytes.Buffer, strs []string) {
	binary.Write(buf, binary.BigEndian, uint16(len(strs)))
	for _, s := range strs {
		putString(buf, s)
	}
}

func getStrings(buf *bytes.Buffer) ([]string, error) {
	var count uint16
	if err := binary.Read(buf, binary.BigEndian, &count); err != nil {
		return nil, ErrMalformedPayload
	}
	if count == 0 {
		return nil, nil
	}
	strs := make([]string, 0, count)
	for i := uint16(0); i < count; i++ {
		s, err := getString(buf)
		if err != nil {
			return nil, err
		}
		strs = append(strs, s)
	}
	return strs, nil
}

// IsValidDiscovery reports whether data decodes as a well-formed
// DiscoveryMessage without returning the decoded value.
func IsValidDiscovery(data []byte) bool {
	var m DiscoveryMessage
	return m.Unmarshal(data) == nil
}

// IsValidFrame reports whether data decodes as a well-formed
// TcpMessage frame payload.
func IsValidFrame(data []byte) bool {
	var m TcpMessage
	return m.Unmarshal(data) == nil
}

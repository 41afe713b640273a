package wire

import (
	"bytes"
	"encoding/binary"
)

// TcpMessage is the envelope carried inside every non-empty TCP frame
// (spec.md §6). Payload is the further-encoded TextMessage,
// FileTransferRequest, or FileChunk.
type TcpMessage struct {
	ProtocolVersion uint32
	Type            TcpMessageType
	Sequence        uint64
	Payload         []byte
	Timestamp       int64
}

func (m *TcpMessage) Marshal() []byte {
	buf := new(bytes.Buffer)
	version := m.ProtocolVersion
	if version == 0 {
		version = protocolVersion
	}
	binary.Write(buf, binary.BigEndian, version)
	binary.Write(buf, binary.BigEndian, uint8(m.Type))
	binary.Write(buf, binary.BigEndian, m.Sequence)
	putBytes(buf, m.Payload)
	binary.Write(buf, binary.BigEndian, m.Timestamp)
	return buf.Bytes()
}

func (m *TcpMessage) Unmarshal(data []byte) error {
	buf := bytes.NewBuffer(data)

	if err := binary.Read(buf, binary.BigEndian, &m.ProtocolVersion); err != nil {
		return ErrMalformedPayload
	}

	var typ uint8
	if err := binary.Read(buf, binary.BigEndian, &typ); err != nil {
		return ErrMalformedPayload
	}
	switch TcpMessageType(typ) {
	case TcpText, TcpFileRequest, TcpFileChunk:
		m.Type = TcpMessageType(typ)
	default:
		return ErrMalformedPayload
	}

	if err := binary.Read(buf, binary.BigEndian, &m.Sequence); err != nil {
		return ErrMalformedPayload
	}

	payload, err := getBytes(buf)
	if err != nil {
		return err
	}
	m.Payload = payload

	if err := binary.Read(buf, binary.BigEndian, &m.Timestamp); err != nil {
		return ErrMalformedPayload
	}
	return nil
}

// TextMessage is the TEXT payload schema.
type TextMessage struct {
	MessageID  string
	FromUserID string
	ToUserID   string
	Content    string
	Timestamp  int64
	IsGroup    bool
	GroupIDs   []string
}

func (m *TextMessage) Marshal() []byte {
	buf := new(bytes.Buffer)
	putString(buf, m.MessageID)
	putString(buf, m.FromUserID)
	putString(buf, m.ToUserID)
	putString(buf, m.Content)
	binary.Write(buf, binary.BigEndian, m.Timestamp)
	binary.Write(buf, binary.BigEndian, m.IsGroup)
	putStrings(buf, m.GroupIDs)
	return buf.Bytes()
}

func (m *TextMessage) Unmarshal(data []byte) error {
	buf := bytes.NewBuffer(data)
	var err error
	if m.MessageID, err = getString(buf); err != nil {
		return err
	}
	if m.FromUserID, err = getString(buf); err != nil {
		return err
	}
	if m.ToUserID, err = getString(buf); err != nil {
		return err
	}
	if m.Content, err = getString(buf); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.Timestamp); err != nil {
		return ErrMalformedPayload
	}
	if err := binary.Read(buf, binary.BigEndian, &m.IsGroup); err != nil {
		return ErrMalformedPayload
	}
	if m.GroupIDs, err = getStrings(buf); err != nil {
		return err
	}
	if m.MessageID == "" {
		return ErrMalformedPayload
	}
	return nil
}

// FileTransferRequest announces an incoming chunked transfer.
type FileTransferRequest struct {
	TransferID string
	FromUserID string
	ToUserID   string
	FileName   string
	FileSize   uint64
	FileHash   string
	Timestamp  int64
	MimeType   string
}

func (m *FileTransferRequest) Marshal() []byte {
	buf := new(bytes.Buffer)
	putString(buf, m.TransferID)
	putString(buf, m.FromUserID)
	putString(buf, m.ToUserID)
	putString(buf, m.FileName)
	binary.Write(buf, binary.BigEndian, m.FileSize)
	putString(buf, m.FileHash)
	binary.Write(buf, binary.BigEndian, m.Timestamp)
	putString(buf, m.MimeType)
	return buf.Bytes()
}

func (m *FileTransferRequest) Unmarshal(data []byte) error {
	buf := bytes.NewBuffer(data)
	var err error
	if m.TransferID, err = getString(buf); err != nil {
		return err
	}
	if m.FromUserID, err = getString(buf); err != nil {
		return err
	}
	if m.ToUserID, err = getString(buf); err != nil {
		return err
	}
	if m.FileName, err = getString(buf); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.FileSize); err != nil {
		return ErrMalformedPayload
	}
	if m.FileHash, err = getString(buf); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.Timestamp); err != nil {
		return ErrMalformedPayload
	}
	if m.MimeType, err = getString(buf); err != nil {
		return err
	}
	if m.TransferID == "" {
		return ErrMalformedPayload
	}
	return nil
}

// FileChunk carries one slice of a file in flight.
type FileChunk struct {
	TransferID string
	Offset     uint64
	Data       []byte
	ChunkSize  uint32
	IsLast     bool
}

func (m *FileChunk) Marshal() []byte {
	buf := new(bytes.Buffer)
	putString(buf, m.TransferID)
	binary.Write(buf, binary.BigEndian, m.Offset)
	putBytes(buf, m.Data)
	binary.Write(buf, binary.BigEndian, m.ChunkSize)
	binary.Write(buf, binary.BigEndian, m.IsLast)
	return buf.Bytes()
}

func (m *FileChunk) Unmarshal(data []byte) error {
	buf := bytes.NewBuffer(data)
	var err error
	if m.TransferID, err = getString(buf); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.Offset); err != nil {
		return ErrMalformedPayload
	}
	if m.Data, err = getBytes(buf); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.ChunkSize); err != nil {
		return ErrMalformedPayload
	}
	if err := binary.Read(buf, binary.BigEndian, &m.IsLast); err != nil {
		return ErrMalformedPayload
	}
	if m.TransferID == "" {
		return ErrMalformedPayload
	}
	return nil
}

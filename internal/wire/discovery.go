package wire

import (
	"bytes"
	"encoding/binary"
)

// PeerInfo is the identity payload carried by every DiscoveryMessage.
type PeerInfo struct {
	UserID    string
	UserName  string
	IPAddress string
	Port      uint16
	Timestamp int64 // milliseconds since epoch
	OsType    string
	Version   string
}

// DiscoveryMessage is the UDP datagram schema from spec.md §6.
type DiscoveryMessage struct {
	Type DiscoveryType
	Peer PeerInfo
}

// IsOnline derives the is_online flag spec.md §6 requires: ANNOUNCE
// and HEARTBEAT set it true, GOODBYE sets it false.
func (m *DiscoveryMessage) IsOnline() bool {
	return m.Type != DiscoveryGoodbye
}

func (m *DiscoveryMessage) Marshal() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint8(m.Type))
	putString(buf, m.Peer.UserID)
	putString(buf, m.Peer.UserName)
	putString(buf, m.Peer.IPAddress)
	binary.Write(buf, binary.BigEndian, m.Peer.Port)
	binary.Write(buf, binary.BigEndian, m.Peer.Timestamp)
	putString(buf, m.Peer.OsType)
	putString(buf, m.Peer.Version)
	return buf.Bytes()
}

func (m *DiscoveryMessage) Unmarshal(data []byte) error {
	buf := bytes.NewBuffer(data)

	var typ uint8
	if err := binary.Read(buf, binary.BigEndian, &typ); err != nil {
		return ErrMalformedPayload
	}
	switch DiscoveryType(typ) {
	case DiscoveryAnnounce, DiscoveryGoodbye, DiscoveryHeartbeat:
		m.Type = DiscoveryType(typ)
	default:
		return ErrMalformedPayload
	}

	var err error
	if m.Peer.UserID, err = getString(buf); err != nil {
		return err
	}
	if m.Peer.UserName, err = getString(buf); err != nil {
		return err
	}
	if m.Peer.IPAddress, err = getString(buf); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &m.Peer.Port); err != nil {
		return ErrMalformedPayload
	}
	if err := binary.Read(buf, binary.BigEndian, &m.Peer.Timestamp); err != nil {
		return ErrMalformedPayload
	}
	if m.Peer.OsType, err = getString(buf); err != nil {
		return err
	}
	if m.Peer.Version, err = getString(buf); err != nil {
		return err
	}
	if m.Peer.UserID == "" {
		return ErrMalformedPayload
	}
	return nil
}

package protocol

import "fmt"

// MasterServerEntry describes one advertised game server.
// Wire layout (133 bytes, no padding):
//
//	[name:64][address:64][port:2 big-endian][mode:1][players:1][max_players:1]
type MasterServerEntry struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	Port       uint16 `json:"port"`
	Mode       byte   `json:"mode"`
	Players    byte   `json:"players"`
	MaxPlayers byte   `json:"max_players"`
}

// Normalize clamps Players to MaxPlayers and trims the text fields to what
// fits in their fixed-size wire slots.
func (e MasterServerEntry) Normalize() MasterServerEntry {
	if e.Players > e.MaxPlayers {
		e.Players = e.MaxPlayers
	}
	if len(e.Name) > EntryNameSize-1 {
		e.Name = e.Name[:EntryNameSize-1]
	}
	if len(e.Address) > EntryAddrSize-1 {
		e.Address = e.Address[:EntryAddrSize-1]
	}
	return e
}

func (e MasterServerEntry) String() string {
	return fmt.Sprintf("%s (%s:%d) %d/%d mode=%d", e.Name, e.Address, e.Port, e.Players, e.MaxPlayers, e.Mode)
}

// WriteEntry appends the fixed layout of e to the builder.
func (b *PacketBuilder) WriteEntry(e MasterServerEntry) *PacketBuilder {
	return b.WriteFixedString(e.Name, EntryNameSize).
		WriteFixedString(e.Address, EntryAddrSize).
		WriteUint16BE(e.Port).
		WriteByte(e.Mode).
		WriteByte(e.Players).
		WriteByte(e.MaxPlayers)
}

// ReadEntry decodes one fixed-layout entry and normalizes it.
func (p *PacketReader) ReadEntry() (MasterServerEntry, error) {
	var e MasterServerEntry
	var err error
	if e.Name, err = p.ReadFixedString(EntryNameSize, "entry name"); err != nil {
		return e, err
	}
	if e.Address, err = p.ReadFixedString(EntryAddrSize, "entry address"); err != nil {
		return e, err
	}
	if e.Port, err = p.ReadUint16BE("entry port"); err != nil {
		return e, err
	}
	if e.Mode, err = p.ReadByte("entry mode"); err != nil {
		return e, err
	}
	if e.Players, err = p.ReadByte("entry players"); err != nil {
		return e, err
	}
	if e.MaxPlayers, err = p.ReadByte("entry max players"); err != nil {
		return e, err
	}
	return e.Normalize(), nil
}

// BuildMasterMessage creates a REGISTER, HEARTBEAT or UNREGISTER message.
// Format: [type:1][entry:133]
func BuildMasterMessage(msgType byte, e MasterServerEntry) []byte {
	return NewPacketBuilder().
		WriteByte(msgType).
		WriteEntry(e.Normalize()).
		Build()
}

// ParseMasterMessage decodes a REGISTER, HEARTBEAT or UNREGISTER message.
func ParseMasterMessage(data []byte) (byte, MasterServerEntry, error) {
	msgType := MessageType(data)
	switch msgType {
	case MasterRegister, MasterHeartbeat, MasterUnregister:
	default:
		return msgType, MasterServerEntry{}, fmt.Errorf("master message 0x%02X: %w", msgType, ErrUnknownMessage)
	}
	e, err := NewPacketReader(data[1:]).ReadEntry()
	if err != nil {
		return msgType, MasterServerEntry{}, err
	}
	return msgType, e, nil
}

// BuildListRequest creates a LIST_REQUEST message.
func BuildListRequest() []byte {
	return []byte{MasterListRequest}
}

// BuildListResponse creates a LIST_RESPONSE. At most MaxListEntries
// entries are written since the count is a single byte.
// Format: [type:1][count:1] + count * [entry:133]
func BuildListResponse(entries []MasterServerEntry) []byte {
	if len(entries) > MaxListEntries {
		entries = entries[:MaxListEntries]
	}
	b := NewPacketBuilder().
		WriteByte(MasterListResponse).
		WriteByte(byte(len(entries)))
	for _, e := range entries {
		b.WriteEntry(e.Normalize())
	}
	return b.Build()
}

// ParseListResponse decodes a LIST_RESPONSE. A response shorter than its
// declared entry count is rejected as a whole.
func ParseListResponse(data []byte) ([]MasterServerEntry, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("list response header: %w", ErrTruncated)
	}
	if data[0] != MasterListResponse {
		return nil, fmt.Errorf("list response tag 0x%02X: %w", data[0], ErrUnknownMessage)
	}
	count := int(data[1])
	if need := 2 + count*EntrySize; len(data) < need {
		return nil, fmt.Errorf("list response declares %d entries in %d bytes: %w", count, len(data), ErrTruncated)
	}

	r := NewPacketReader(data[2:])
	entries := make([]MasterServerEntry, 0, count)
	for i := 0; i < count; i++ {
		e, err := r.ReadEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

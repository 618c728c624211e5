// Package protocol implements the binary wire formats spoken between game
// clients, game servers and the master server. Game-session messages use
// little-endian fields; the port inside a MasterServerEntry is sent in
// network byte order. Every message starts with a one-byte type tag.
package protocol

import "errors"

// Game-session message types (first payload byte).
const (
	MsgHello             byte = 0x01 // client -> server, optional fixed name
	MsgWelcome           byte = 0x02 // server -> client: count, max clients, [self id]
	MsgPlayerCount       byte = 0x03 // server -> clients: connected count
	MsgClientState       byte = 0x04 // client -> server: position + yaw
	MsgServerSnapshot    byte = 0x05 // server -> client: remote player records
	MsgWeaponEvent       byte = 0x06 // server -> client
	MsgClientWeaponEvent byte = 0x07 // client -> server
	MsgClientVoiceData   byte = 0x08 // client -> server
	MsgVoiceData         byte = 0x09 // server -> client
)

// Master-protocol message types.
const (
	MasterRegister     byte = 0x01
	MasterHeartbeat    byte = 0x02
	MasterUnregister   byte = 0x03
	MasterListRequest  byte = 0x04
	MasterListResponse byte = 0x05
)

// Fixed field sizes shared by both ends.
const (
	NameSize        = 16 // player display name in HELLO and snapshot records
	EntryNameSize   = 64
	EntryAddrSize   = 64
	EntrySize       = EntryNameSize + EntryAddrSize + 2 + 1 + 1 + 1
	MaxListEntries  = 255
	MaxRemotePlayer = 16
	MaxVoiceBytes   = 2048

	// NoPlayerID marks a client that has not been assigned an id yet.
	NoPlayerID byte = 0xFF
)

var (
	// ErrTruncated is returned when a message is shorter than its layout requires.
	ErrTruncated = errors.New("protocol: truncated message")
	// ErrUnknownMessage is returned for an unexpected type tag.
	ErrUnknownMessage = errors.New("protocol: unknown message type")
	// ErrInvalidVoice is returned for voice data that fails validation.
	ErrInvalidVoice = errors.New("protocol: invalid voice packet")
)

// MessageType returns the type tag of a message, or 0 for an empty buffer.
func MessageType(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	return data[0]
}

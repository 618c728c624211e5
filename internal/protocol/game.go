package protocol

import (
	"fmt"
	"math"
)

// Vec3 is a position in world units.
type Vec3 struct {
	X, Y, Z float32
}

// DistanceTo returns the euclidean distance between two positions.
func (v Vec3) DistanceTo(o Vec3) float32 {
	dx, dy, dz := float64(v.X-o.X), float64(v.Y-o.Y), float64(v.Z-o.Z)
	return float32(math.Sqrt(dx*dx + dy*dy + dz*dz))
}

// ---- HELLO / WELCOME / PLAYER_COUNT ----

// BuildHello creates a HELLO message. An empty name produces the bare
// one-byte form.
// Format: [type:1][name:16, optional]
func BuildHello(name string) []byte {
	b := NewPacketBuilder().WriteByte(MsgHello)
	if name != "" {
		b.WriteFixedString(name, NameSize)
	}
	return b.Build()
}

// ParseHello returns the display name carried by a HELLO, or "" for the
// bare form.
func ParseHello(data []byte) (string, error) {
	if MessageType(data) != MsgHello {
		return "", fmt.Errorf("hello: %w", ErrUnknownMessage)
	}
	if len(data) < 1+NameSize {
		return "", nil
	}
	return NewPacketReader(data[1:]).ReadFixedString(NameSize, "hello name")
}

// Welcome is the server's answer to HELLO.
type Welcome struct {
	PlayerCount byte
	MaxClients  byte
	SelfID      byte
	HasSelfID   bool
}

// BuildWelcome creates a WELCOME message. The self id byte is only
// written when HasSelfID is set.
// Format: [type:1][count:1][max:1][self_id:1, optional]
func BuildWelcome(w Welcome) []byte {
	b := NewPacketBuilder().
		WriteByte(MsgWelcome).
		WriteByte(w.PlayerCount).
		WriteByte(w.MaxClients)
	if w.HasSelfID {
		b.WriteByte(w.SelfID)
	}
	return b.Build()
}

// ParseWelcome accepts both the 3-byte and the 4-byte WELCOME. Without a
// self id byte SelfID is NoPlayerID.
func ParseWelcome(data []byte) (Welcome, error) {
	if MessageType(data) != MsgWelcome {
		return Welcome{}, fmt.Errorf("welcome: %w", ErrUnknownMessage)
	}
	if len(data) < 3 {
		return Welcome{}, fmt.Errorf("welcome (%d bytes): %w", len(data), ErrTruncated)
	}
	w := Welcome{
		PlayerCount: data[1],
		MaxClients:  data[2],
		SelfID:      NoPlayerID,
	}
	if len(data) >= 4 {
		w.SelfID = data[3]
		w.HasSelfID = true
	}
	return w, nil
}

// BuildPlayerCount creates a PLAYER_COUNT message.
func BuildPlayerCount(count byte) []byte {
	return []byte{MsgPlayerCount, count}
}

// ParsePlayerCount decodes a PLAYER_COUNT message.
func ParsePlayerCount(data []byte) (byte, error) {
	if MessageType(data) != MsgPlayerCount {
		return 0, fmt.Errorf("player count: %w", ErrUnknownMessage)
	}
	if len(data) < 2 {
		return 0, fmt.Errorf("player count: %w", ErrTruncated)
	}
	return data[1], nil
}

// ---- CLIENT_STATE ----

// ClientState is the local player's transform sent to the server.
type ClientState struct {
	Position Vec3
	Yaw      float32
}

// BuildClientState creates a CLIENT_STATE message.
// Format: [type:1][x:4][y:4][z:4][yaw:4]
func BuildClientState(s ClientState) []byte {
	return NewPacketBuilder().
		WriteByte(MsgClientState).
		WriteVec3(s.Position).
		WriteFloat32(s.Yaw).
		Build()
}

// ParseClientState decodes a CLIENT_STATE message.
func ParseClientState(data []byte) (ClientState, error) {
	if MessageType(data) != MsgClientState {
		return ClientState{}, fmt.Errorf("client state: %w", ErrUnknownMessage)
	}
	r := NewPacketReader(data[1:])
	var s ClientState
	var err error
	if s.Position, err = r.ReadVec3("position"); err != nil {
		return ClientState{}, err
	}
	if s.Yaw, err = r.ReadFloat32("yaw"); err != nil {
		return ClientState{}, err
	}
	return s, nil
}

// ---- SERVER_SNAPSHOT ----

// SnapshotRecordSize is the fixed stride of one snapshot record.
const SnapshotRecordSize = 1 + 12 + 4 + NameSize

// PlayerRecord is one remote player inside a snapshot.
type PlayerRecord struct {
	ID       byte
	Position Vec3
	Yaw      float32
	Name     string
}

// BuildSnapshot creates a SERVER_SNAPSHOT message. At most
// MaxRemotePlayer records are written.
// Format: [type:1][count:1] + count * [id:1][x:4][y:4][z:4][yaw:4][name:16]
func BuildSnapshot(records []PlayerRecord) []byte {
	if len(records) > MaxRemotePlayer {
		records = records[:MaxRemotePlayer]
	}
	b := NewPacketBuilder().
		WriteByte(MsgServerSnapshot).
		WriteByte(byte(len(records)))
	for _, rec := range records {
		b.WriteByte(rec.ID).
			WriteVec3(rec.Position).
			WriteFloat32(rec.Yaw).
			WriteFixedString(rec.Name, NameSize)
	}
	return b.Build()
}

// ParseSnapshot decodes a SERVER_SNAPSHOT message. Decoding stops at the
// last complete record when the declared count would overrun the buffer,
// and never yields more than MaxRemotePlayer records.
func ParseSnapshot(data []byte) ([]PlayerRecord, error) {
	if MessageType(data) != MsgServerSnapshot {
		return nil, fmt.Errorf("snapshot: %w", ErrUnknownMessage)
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("snapshot header: %w", ErrTruncated)
	}

	count := int(data[1])
	if count > MaxRemotePlayer {
		count = MaxRemotePlayer
	}
	if avail := (len(data) - 2) / SnapshotRecordSize; count > avail {
		count = avail
	}

	records := make([]PlayerRecord, 0, count)
	r := NewPacketReader(data[2:])
	for i := 0; i < count; i++ {
		var rec PlayerRecord
		rec.ID, _ = r.ReadByte("id")
		rec.Position, _ = r.ReadVec3("position")
		rec.Yaw, _ = r.ReadFloat32("yaw")
		rec.Name, _ = r.ReadFixedString(NameSize, "name")
		records = append(records, rec)
	}
	return records, nil
}

// ---- WEAPON_EVENT / CLIENT_WEAPON_EVENT ----

// WeaponEventType distinguishes drops from pickups.
type WeaponEventType byte

const (
	WeaponDrop   WeaponEventType = 0
	WeaponPickup WeaponEventType = 1
)

func (t WeaponEventType) String() string {
	switch t {
	case WeaponDrop:
		return "drop"
	case WeaponPickup:
		return "pickup"
	default:
		return fmt.Sprintf("weapon_event(%d)", byte(t))
	}
}

// WeaponEventSize is the encoded size of a weapon event message.
const WeaponEventSize = 1 + 1 + 1 + 2 + 2 + 2 + 4 + 12

// WeaponEvent is a weapon drop or pickup.
type WeaponEvent struct {
	Type        WeaponEventType
	ActorID     byte
	PickupID    uint32
	WeaponID    uint16
	AmmoInClip  int16
	AmmoReserve int16
	Position    Vec3
}

// BuildWeaponEvent creates a WEAPON_EVENT or CLIENT_WEAPON_EVENT message.
// Format: [type:1][event:1][actor:1][weapon:2][clip:2][reserve:2][pickup:4][x:4][y:4][z:4]
func BuildWeaponEvent(msgType byte, ev WeaponEvent) []byte {
	return NewPacketBuilder().
		WriteByte(msgType).
		WriteByte(byte(ev.Type)).
		WriteByte(ev.ActorID).
		WriteUint16(ev.WeaponID).
		WriteInt16(ev.AmmoInClip).
		WriteInt16(ev.AmmoReserve).
		WriteUint32(ev.PickupID).
		WriteVec3(ev.Position).
		Build()
}

// ParseWeaponEvent decodes either weapon event direction.
func ParseWeaponEvent(data []byte) (WeaponEvent, error) {
	switch MessageType(data) {
	case MsgWeaponEvent, MsgClientWeaponEvent:
	default:
		return WeaponEvent{}, fmt.Errorf("weapon event: %w", ErrUnknownMessage)
	}
	if len(data) < WeaponEventSize {
		return WeaponEvent{}, fmt.Errorf("weapon event (%d bytes): %w", len(data), ErrTruncated)
	}

	r := NewPacketReader(data[1:])
	var ev WeaponEvent
	t, _ := r.ReadByte("event type")
	ev.Type = WeaponEventType(t)
	ev.ActorID, _ = r.ReadByte("actor")
	ev.WeaponID, _ = r.ReadUint16("weapon")
	ev.AmmoInClip, _ = r.ReadInt16("clip")
	ev.AmmoReserve, _ = r.ReadInt16("reserve")
	ev.PickupID, _ = r.ReadUint32("pickup")
	ev.Position, _ = r.ReadVec3("position")
	return ev, nil
}

// ---- VOICE_DATA / CLIENT_VOICE_DATA ----

// CodecPCM16 is the only supported voice codec: signed 16-bit PCM.
const CodecPCM16 byte = 0x01

// VoiceHeaderSize is the size of a voice message before the samples.
const VoiceHeaderSize = 1 + 1 + 1 + 1 + 2 + 2 + 1

// VoicePacket carries one block of raw PCM16 samples.
type VoicePacket struct {
	SpeakerID  byte
	Codec      byte
	Channels   byte
	SampleRate uint16
	FrameCount uint16
	Volume     byte
	Data       []byte
}

// ExpectedSize returns the sample byte count implied by the header.
func (v VoicePacket) ExpectedSize() int {
	return int(v.FrameCount) * int(v.Channels) * 2
}

// Validate checks codec, channel count and payload size.
func (v VoicePacket) Validate() error {
	switch {
	case v.Codec != CodecPCM16:
		return fmt.Errorf("codec 0x%02X: %w", v.Codec, ErrInvalidVoice)
	case v.Channels == 0 || v.Channels > 2:
		return fmt.Errorf("%d channels: %w", v.Channels, ErrInvalidVoice)
	case len(v.Data) > MaxVoiceBytes:
		return fmt.Errorf("%d sample bytes exceeds %d: %w", len(v.Data), MaxVoiceBytes, ErrInvalidVoice)
	case len(v.Data) != v.ExpectedSize():
		return fmt.Errorf("%d sample bytes, header implies %d: %w", len(v.Data), v.ExpectedSize(), ErrInvalidVoice)
	}
	return nil
}

// ScaleVolume maps a 0..1 gain onto the 0..255 volume byte.
func ScaleVolume(gain float32) byte {
	switch {
	case gain <= 0:
		return 0
	case gain >= 1:
		return 255
	}
	return byte(gain*255 + 0.5)
}

// BuildVoice creates a VOICE_DATA or CLIENT_VOICE_DATA message after
// validating the packet.
// Format: [type:1][speaker:1][codec:1][channels:1][rate:2][frames:2][volume:1][samples...]
func BuildVoice(msgType byte, v VoicePacket) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return NewPacketBuilder().
		WriteByte(msgType).
		WriteByte(v.SpeakerID).
		WriteByte(v.Codec).
		WriteByte(v.Channels).
		WriteUint16(v.SampleRate).
		WriteUint16(v.FrameCount).
		WriteByte(v.Volume).
		WriteBytes(v.Data).
		Build(), nil
}

// ParseVoice decodes and validates either voice direction.
func ParseVoice(data []byte) (VoicePacket, error) {
	switch MessageType(data) {
	case MsgVoiceData, MsgClientVoiceData:
	default:
		return VoicePacket{}, fmt.Errorf("voice: %w", ErrUnknownMessage)
	}
	if len(data) < VoiceHeaderSize {
		return VoicePacket{}, fmt.Errorf("voice header: %w", ErrTruncated)
	}

	r := NewPacketReader(data[1:])
	var v VoicePacket
	v.SpeakerID, _ = r.ReadByte("speaker")
	v.Codec, _ = r.ReadByte("codec")
	v.Channels, _ = r.ReadByte("channels")
	v.SampleRate, _ = r.ReadUint16("sample rate")
	v.FrameCount, _ = r.ReadUint16("frame count")
	v.Volume, _ = r.ReadByte("volume")
	v.Data, _ = r.ReadBytes(r.Remaining(), "samples")

	if err := v.Validate(); err != nil {
		return VoicePacket{}, err
	}
	return v, nil
}

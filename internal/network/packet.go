package network

// Control bytes prefixed to every datagram.
const (
	CtrlHello      byte = 0x01
	CtrlHelloAck   byte = 0x02
	CtrlPayload    byte = 0x03
	CtrlDisconnect byte = 0x04
)

// MaxDatagramSize bounds a datagram including its control byte.
const MaxDatagramSize = 1200

// MaxPayloadSize is the largest payload a single Send accepts.
const MaxPayloadSize = MaxDatagramSize - 1

// PacketFlag describes how a packet would like to be delivered. The
// transport treats every flag as advisory.
type PacketFlag uint32

const (
	FlagReliable    PacketFlag = 1 << 0
	FlagUnsequenced PacketFlag = 1 << 1
)

// Packet is an owned payload buffer.
type Packet struct {
	Data  []byte
	Flags PacketFlag
}

// NewPacket copies data into a new packet.
func NewPacket(data []byte, flags PacketFlag) *Packet {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Packet{Data: buf, Flags: flags}
}

// Len returns the payload length.
func (p *Packet) Len() int {
	return len(p.Data)
}

// Destroy releases the payload buffer.
func (p *Packet) Destroy() {
	p.Data = nil
}

// EventType is the kind of event returned by Host.Service.
type EventType int

const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventReceive
)

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	default:
		return "none"
	}
}

// Event is one decoded transport occurrence. Packet is set only for
// EventReceive and belongs to the caller.
type Event struct {
	Type      EventType
	Peer      *Peer
	ChannelID uint8
	Packet    *Packet
}

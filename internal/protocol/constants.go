package protocol

// Request and reply type words. The low three bytes form the FF 55 AA sync
// prefix on the wire (little endian).
const (
	ReqNop      uint32 = 0x00AA55FF
	ReqProxy    uint32 = 0x01AA55FF
	ReqMemRead  uint32 = 0x02AA55FF
	ReqMemWrite uint32 = 0x03AA55FF
	ReqBoot     uint32 = 0x04AA55FF
	ReqEvent    uint32 = 0x05AA55FF

	// SyncMask selects the sync prefix of a type word.
	SyncMask uint32 = 0x00FFFFFF
	SyncWord uint32 = 0x00AA55FF
)

// SyncPrefix is the byte sequence every frame from the target starts with.
var SyncPrefix = [3]byte{0xFF, 0x55, 0xAA}

// Status is the link-level result code carried in a reply frame.
type Status int32

const (
	StatusOK      Status = 0
	StatusBadCmd  Status = -1
	StatusInval   Status = -2
	StatusXfrErr  Status = -3
	StatusCsumErr Status = -4
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadCmd:
		return "bad command"
	case StatusInval:
		return "invalid argument"
	case StatusXfrErr:
		return "data transfer failed"
	case StatusCsumErr:
		return "data checksum failed"
	default:
		return "unknown"
	}
}

// Feature bits negotiated by NOP.
const (
	FeatureDisableDataCsums uint64 = 0x01
	FeatureAll                     = FeatureDisableDataCsums
)

const (
	ChecksumInit  uint32 = 0xDEADBEEF
	ChecksumFinal uint32 = 0xADDEDBAD

	// ChecksumSentinel replaces data checksums once DisableDataCsums is on.
	ChecksumSentinel uint32 = 0xD0DECADE
	// DataEndSentinel trails bulk data once DisableDataCsums is on.
	DataEndSentinel uint32 = 0xB0CACC10
)

// Frame sizes in bytes.
const (
	CommandLen        = 64
	CommandPayloadLen = 56
	ReplyLen          = 36
	ReplyDataLen      = 24
	EventHeaderLen    = 8

	// WriteChunk is the size of each bulk write after a MEMWRITE command.
	WriteChunk = 8192
)

// BootReason says why the target (re)entered the proxy loop.
type BootReason uint32

const (
	StartBoot           BootReason = 0
	StartException      BootReason = 1
	StartExceptionLower BootReason = 2
	StartHV             BootReason = 3
)

func (r BootReason) String() string {
	switch r {
	case StartBoot:
		return "boot"
	case StartException:
		return "exception"
	case StartExceptionLower:
		return "exception_lower"
	case StartHV:
		return "hv"
	default:
		return "unknown"
	}
}

// ExcCode is the exception class reported with an exception boot reason.
type ExcCode uint32

const (
	ExcSync   ExcCode = 0
	ExcIRQ    ExcCode = 1
	ExcFIQ    ExcCode = 2
	ExcSError ExcCode = 3
)

func (c ExcCode) String() string {
	switch c {
	case ExcSync:
		return "sync"
	case ExcIRQ:
		return "irq"
	case ExcFIQ:
		return "fiq"
	case ExcSError:
		return "serror"
	default:
		return "unknown"
	}
}

// EventType tags asynchronous EVENT frames.
type EventType uint16

const (
	EventMMIOTrace EventType = 1
	EventIRQTrace  EventType = 2
)

func (t EventType) String() string {
	switch t {
	case EventMMIOTrace:
		return "mmiotrace"
	case EventIRQTrace:
		return "irqtrace"
	default:
		return "unknown"
	}
}

// TypeName names a request type word for logs.
func TypeName(t uint32) string {
	switch t {
	case ReqNop:
		return "nop"
	case ReqProxy:
		return "proxy"
	case ReqMemRead:
		return "memread"
	case ReqMemWrite:
		return "memwrite"
	case ReqBoot:
		return "boot"
	case ReqEvent:
		return "event"
	default:
		return "unknown"
	}
}

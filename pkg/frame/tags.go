package frame

// Tag is the 4-byte ASCII identifier that starts every binary frame on the link.
type Tag string

const (
	TagGyro        Tag = "GYRO"
	TagAccel       Tag = "ACCL"
	TagMagnet      Tag = "MAGN"
	TagGravity     Tag = "GRAV"
	TagEuler       Tag = "EULR"
	TagEnvironment Tag = "BMED"
	TagPoll        Tag = "POLL"
	TagOBCRAM      Tag = "OBCR"
	TagOBCDisk     Tag = "OBCD"
	TagOBCCPU      Tag = "OBCC"
	TagOBCListing  Tag = "OBCL"
	TagOBCProcs    Tag = "OBCP"
	TagAttitude    Tag = "ADCS"
	TagPower       Tag = "EPSS"
	TagHostname    Tag = "HOST"
	TagSolar       Tag = "SOLR"
	TagRetransmit  Tag = "RETX"
	TagSendImage   Tag = "SEND"
)

const (
	TagLength = 4

	// PollHeaderLength is the tag plus the little-endian uint32 payload count.
	PollHeaderLength = 8
	// EchoCap bounds a retransmit echo frame.
	EchoCap = 256
)

// VariableSize marks tags whose length is not fixed by the table.
const VariableSize = -1

var tagSizes = map[Tag]int{
	TagGyro:        16,
	TagAccel:       16,
	TagMagnet:      16,
	TagGravity:     16,
	TagEuler:       16,
	TagEnvironment: 16,
	TagOBCRAM:      8,
	TagOBCDisk:     8,
	TagOBCCPU:      8,
	TagOBCListing:  234,
	TagOBCProcs:    234,
	TagAttitude:    32,
	TagPower:       28,
	TagHostname:    15,
	TagSolar:       36,
	TagPoll:        VariableSize,
	TagRetransmit:  VariableSize,
}

// Size returns the full frame length for a telemetry tag, including the tag.
// Variable length tags report VariableSize.
func Size(tag Tag) (int, bool) {
	n, ok := tagSizes[tag]
	return n, ok
}

// IsTelemetry reports whether the tag is decoded by the telemetry decoder.
func IsTelemetry(tag Tag) bool {
	_, ok := tagSizes[tag]
	return ok
}

// IsImageHeader reports whether the tag starts an image chunk.
func IsImageHeader(tag Tag) bool {
	return tag == TagSendImage || tag == TagRetransmit
}

// IsKnown reports whether b starts with any identifier used on the link.
func IsKnown(b []byte) bool {
	if len(b) < TagLength {
		return false
	}
	tag := Tag(b[:TagLength])
	return IsTelemetry(tag) || IsImageHeader(tag)
}

// Tags lists every identifier in wire order.
func Tags() []Tag {
	return []Tag{
		TagGyro, TagAccel, TagMagnet, TagGravity, TagEuler, TagEnvironment, TagPoll,
		TagOBCRAM, TagOBCDisk, TagOBCCPU, TagOBCListing, TagOBCProcs, TagAttitude,
		TagPower, TagHostname, TagSolar, TagRetransmit, TagSendImage,
	}
}

// IsBase64 reports whether c belongs to the standard base64 alphabet, padding included.
func IsBase64(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '+', c == '/', c == '=':
		return true
	}
	return false
}

package types

// Special addressing values.
const (
	// DstBroadcast addresses every connection whose match rules accept
	// the message.
	DstBroadcast = ^uint64(0)

	// DstName addresses a destination resolved through a well-known name
	// carried in DstName.
	DstName = uint64(0)

	// SrcKernel is the source id of engine-generated notifications.
	SrcKernel = uint64(0)
)

// Message is one bus message. SrcID is stamped by the engine at send time;
// senders never choose it.
type Message struct {
	// Seq is the domain-global sequence number stamped by the engine.
	Seq uint64 `json:"seq,omitempty"`

	// SrcID identifies the sending connection, or SrcKernel for
	// notifications.
	SrcID uint64 `json:"src_id"`

	// DstID identifies the destination connection, DstBroadcast for
	// fan-out, or DstName when DstName carries a well-known name.
	DstID uint64 `json:"dst_id"`

	// DstName is the well-known destination name when DstID == DstName.
	DstName string `json:"dst_name,omitempty"`

	// Cookie is the sender-chosen correlation value for replies.
	Cookie uint64 `json:"cookie"`

	// CookieReply links a reply back to the request it answers. Non-zero
	// only on replies.
	CookieReply uint64 `json:"cookie_reply,omitempty"`

	// Priority orders queue delivery. Higher values are delivered first.
	Priority int64 `json:"priority,omitempty"`

	Flags MsgFlags `json:"flags,omitempty"`

	// TimeoutNS is the absolute-duration reply deadline in nanoseconds.
	// Required when ExpectReply is set.
	TimeoutNS uint64 `json:"timeout_ns,omitempty"`

	// BloomFilter carries the sender-computed filter for broadcasts.
	BloomFilter []byte `json:"bloom_filter,omitempty"`

	Items []Item `json:"items,omitempty"`
}

// IsReply reports whether the message answers an earlier request.
func (m *Message) IsReply() bool {
	return m.CookieReply != 0
}

// IsBroadcast reports whether the message fans out to all matchers.
func (m *Message) IsBroadcast() bool {
	return m.DstID == DstBroadcast
}

// PayloadSize sums the payload bytes across PAYLOAD_VEC items.
func (m *Message) PayloadSize() int {
	n := 0
	for i := range m.Items {
		if m.Items[i].Type == ItemPayloadVec {
			n += len(m.Items[i].Data)
		}
	}
	return n
}

// BloomParameter is the per-bus bloom filter geometry. Size is in bytes,
// must be a multiple of 8 within [8, MaxBloomSize]; Hashes must be at
// least 1.
type BloomParameter struct {
	Size   uint64 `json:"size"`
	Hashes uint64 `json:"n_hash"`
}

// Bloom geometry bounds.
const (
	MinBloomSize   = 8
	MaxBloomSize   = 1024
	DefaultBloomSize   = 64
	DefaultBloomHashes = 8
)

// Valid reports whether the parameter is inside the accepted geometry.
func (p BloomParameter) Valid() bool {
	return p.Size >= MinBloomSize &&
		p.Size <= MaxBloomSize &&
		p.Size%8 == 0 &&
		p.Hashes >= 1
}

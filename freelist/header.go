package freelist

// Every managed region begins with a 16-byte in-band header. Fields in
// declaration order, each a little-endian uint32: prev link, next link, size,
// magic. The payload follows immediately, so the aligner in use must map the
// header size to itself.
const (
	hdrPrev  = 0
	hdrNext  = 4
	hdrSize  = 8
	hdrMagic = 12

	// HeaderSize is the byte footprint of the in-band header.
	HeaderSize = 16

	// linkNil marks the end of the free list. Offset 0 is a valid header
	// position, so the in-band links cannot use zero as their null value.
	linkNil = uint32(0xFFFFFFFF)
)

// Canary tags. A free header carries MagicFree in its magic field. A used
// header carries MagicUsed in magic and repurposes its link fields as
// MagicFire and MagicWolf, so a later free can sanity-check the header before
// trusting it.
const (
	MagicUsed uint32 = 0x55534544
	MagicFree uint32 = 0x46524545
	MagicFire uint32 = 0x46495245
	MagicWolf uint32 = 0x574F4C46
)

// Header is the engine's handle for one managed region, identified by the
// byte offset of its in-band header.
type Header struct {
	offset int
}

// Offset returns the position of the header itself.
func (h Header) Offset() int {
	return h.offset
}

// Payload returns the offset handed to callers.
func (h Header) Payload() int {
	return h.offset + HeaderSize
}

package proto

// ProtocolVersion is exchanged in Hello. Bump only on breaking wire changes.
const ProtocolVersion = 1

// MaxChecksumBatch bounds the digests one ChecksumsReq may ask for.
const MaxChecksumBatch = 64 * 1024

// Message type constants for the agent wire protocol. Every request,
// Hello included, gets its own stream.
const (
	MsgHelloReq  byte = 0x01
	MsgHelloResp byte = 0x02

	// Reading.
	MsgChecksumsReq  byte = 0x10
	MsgChecksumsResp byte = 0x11
	MsgReadBlockReq  byte = 0x12
	MsgBlockData     byte = 0x13

	// Writing.
	MsgWriteBlockReq byte = 0x20
	MsgAckResp       byte = 0x21
	MsgFinishReq     byte = 0x22
	MsgFinishResp    byte = 0x23

	MsgErrorResp byte = 0xFF
)

// Agent roles selected in HelloReq.
const (
	RoleSource      = "source"
	RoleMirror      = "mirror"
	RoleIncremental = "incremental"
)

// HelloReq opens a device on the agent. Destination roles also receive the
// source description so images can record where their blocks came from.
type HelloReq struct {
	Role        string `msg:"role"`
	Path        string `msg:"path"`
	Hash        string `msg:"hash"`
	Comment     string `msg:"comment"`
	SourcePath  string `msg:"source_path"`
	SourceBlkid string `msg:"source_blkid"`
	RunID       string `msg:"run_id"`
	SourceSize  int64  `msg:"source_size"`
	Version     int    `msg:"version"`
	BlockSize   int    `msg:"block_size"`
}

// HelloResp describes the opened device.
type HelloResp struct {
	Blkid      string `msg:"blkid"`
	Size       int64  `msg:"size"`
	BlockCount int64  `msg:"block_count"`
	Version    int    `msg:"version"`
	Sequence   int    `msg:"sequence"` // image being written; -1 outside incremental role
}

// ChecksumsReq asks for the digests of blocks [Start, Start+Count).
type ChecksumsReq struct {
	Start int64 `msg:"start"`
	Count int   `msg:"count"`
}

// ChecksumsResp carries concatenated digests. It holds fewer than the
// requested count only at the end of the device.
type ChecksumsResp struct {
	Digests    []byte `msg:"digests"`
	Start      int64  `msg:"start"`
	DigestSize int    `msg:"digest_size"`
}

// ReadBlockReq asks for the raw bytes of one block.
type ReadBlockReq struct {
	Index int64 `msg:"index"`
}

// BlockData is the content of one block.
type BlockData struct {
	Data  []byte `msg:"data"`
	Index int64  `msg:"index"`
}

// WriteBlockReq patches one block on the destination.
type WriteBlockReq struct {
	Digest []byte `msg:"digest"`
	Data   []byte `msg:"data"`
	Index  int64  `msg:"index"`
}

// AckResp is a generic success acknowledgment.
type AckResp struct{}

// FinishReq ends a run: mirror destinations sync, incremental destinations
// commit their image.
type FinishReq struct{}

// FinishResp reports the committed image, if any.
type FinishResp struct {
	Path     string `msg:"path"`
	Records  int64  `msg:"records"`
	Sequence int    `msg:"sequence"`
}

// ErrorResp is a generic error response for any request. Code carries the
// failure kind so the caller can match it with errors.Is.
type ErrorResp struct {
	Message string `msg:"message"`
	Code    int    `msg:"code"`
}

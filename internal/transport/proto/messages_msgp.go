package proto

import "github.com/tinylib/msgp/msgp"

// Messages are encoded as MessagePack maps keyed by the msg tags so that
// unknown fields from newer peers are skipped.

type fieldDecoder func(key string, bts []byte) ([]byte, error)

func unmarshalMap(bts []byte, name string, field fieldDecoder) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, msgp.WrapError(err, name)
	}
	for range n {
		var key []byte
		key, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			return bts, msgp.WrapError(err, name)
		}
		bts, err = field(msgp.UnsafeString(key), bts)
		if err != nil {
			return bts, msgp.WrapError(err, name, string(key))
		}
	}
	return bts, nil
}

// MarshalMsg implements msgp.Marshaler.
func (z HelloReq) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 10)
	o = msgp.AppendString(o, "version")
	o = msgp.AppendInt(o, z.Version)
	o = msgp.AppendString(o, "role")
	o = msgp.AppendString(o, z.Role)
	o = msgp.AppendString(o, "path")
	o = msgp.AppendString(o, z.Path)
	o = msgp.AppendString(o, "block_size")
	o = msgp.AppendInt(o, z.BlockSize)
	o = msgp.AppendString(o, "hash")
	o = msgp.AppendString(o, z.Hash)
	o = msgp.AppendString(o, "comment")
	o = msgp.AppendString(o, z.Comment)
	o = msgp.AppendString(o, "source_path")
	o = msgp.AppendString(o, z.SourcePath)
	o = msgp.AppendString(o, "source_blkid")
	o = msgp.AppendString(o, z.SourceBlkid)
	o = msgp.AppendString(o, "source_size")
	o = msgp.AppendInt64(o, z.SourceSize)
	o = msgp.AppendString(o, "run_id")
	o = msgp.AppendString(o, z.RunID)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *HelloReq) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "HelloReq", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "version":
			z.Version, o, err = msgp.ReadIntBytes(bts)
		case "role":
			z.Role, o, err = msgp.ReadStringBytes(bts)
		case "path":
			z.Path, o, err = msgp.ReadStringBytes(bts)
		case "block_size":
			z.BlockSize, o, err = msgp.ReadIntBytes(bts)
		case "hash":
			z.Hash, o, err = msgp.ReadStringBytes(bts)
		case "comment":
			z.Comment, o, err = msgp.ReadStringBytes(bts)
		case "source_path":
			z.SourcePath, o, err = msgp.ReadStringBytes(bts)
		case "source_blkid":
			z.SourceBlkid, o, err = msgp.ReadStringBytes(bts)
		case "source_size":
			z.SourceSize, o, err = msgp.ReadInt64Bytes(bts)
		case "run_id":
			z.RunID, o, err = msgp.ReadStringBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z HelloResp) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 5)
	o = msgp.AppendString(o, "version")
	o = msgp.AppendInt(o, z.Version)
	o = msgp.AppendString(o, "size")
	o = msgp.AppendInt64(o, z.Size)
	o = msgp.AppendString(o, "block_count")
	o = msgp.AppendInt64(o, z.BlockCount)
	o = msgp.AppendString(o, "blkid")
	o = msgp.AppendString(o, z.Blkid)
	o = msgp.AppendString(o, "sequence")
	o = msgp.AppendInt(o, z.Sequence)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *HelloResp) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "HelloResp", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "version":
			z.Version, o, err = msgp.ReadIntBytes(bts)
		case "size":
			z.Size, o, err = msgp.ReadInt64Bytes(bts)
		case "block_count":
			z.BlockCount, o, err = msgp.ReadInt64Bytes(bts)
		case "blkid":
			z.Blkid, o, err = msgp.ReadStringBytes(bts)
		case "sequence":
			z.Sequence, o, err = msgp.ReadIntBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z ChecksumsReq) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 2)
	o = msgp.AppendString(o, "start")
	o = msgp.AppendInt64(o, z.Start)
	o = msgp.AppendString(o, "count")
	o = msgp.AppendInt(o, z.Count)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *ChecksumsReq) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "ChecksumsReq", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "start":
			z.Start, o, err = msgp.ReadInt64Bytes(bts)
		case "count":
			z.Count, o, err = msgp.ReadIntBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z ChecksumsResp) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 3)
	o = msgp.AppendString(o, "start")
	o = msgp.AppendInt64(o, z.Start)
	o = msgp.AppendString(o, "digest_size")
	o = msgp.AppendInt(o, z.DigestSize)
	o = msgp.AppendString(o, "digests")
	o = msgp.AppendBytes(o, z.Digests)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler. Digests aliases bts.
func (z *ChecksumsResp) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "ChecksumsResp", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "start":
			z.Start, o, err = msgp.ReadInt64Bytes(bts)
		case "digest_size":
			z.DigestSize, o, err = msgp.ReadIntBytes(bts)
		case "digests":
			z.Digests, o, err = msgp.ReadBytesZC(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z ReadBlockReq) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 1)
	o = msgp.AppendString(o, "index")
	o = msgp.AppendInt64(o, z.Index)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *ReadBlockReq) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "ReadBlockReq", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "index":
			z.Index, o, err = msgp.ReadInt64Bytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z BlockData) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, len(z.Data)+32)
	o = msgp.AppendMapHeader(o, 2)
	o = msgp.AppendString(o, "index")
	o = msgp.AppendInt64(o, z.Index)
	o = msgp.AppendString(o, "data")
	o = msgp.AppendBytes(o, z.Data)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler. Data aliases bts.
func (z *BlockData) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "BlockData", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "index":
			z.Index, o, err = msgp.ReadInt64Bytes(bts)
		case "data":
			z.Data, o, err = msgp.ReadBytesZC(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z WriteBlockReq) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.Require(b, len(z.Data)+len(z.Digest)+48)
	o = msgp.AppendMapHeader(o, 3)
	o = msgp.AppendString(o, "index")
	o = msgp.AppendInt64(o, z.Index)
	o = msgp.AppendString(o, "digest")
	o = msgp.AppendBytes(o, z.Digest)
	o = msgp.AppendString(o, "data")
	o = msgp.AppendBytes(o, z.Data)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler. Digest and Data alias bts.
func (z *WriteBlockReq) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "WriteBlockReq", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "index":
			z.Index, o, err = msgp.ReadInt64Bytes(bts)
		case "digest":
			z.Digest, o, err = msgp.ReadBytesZC(bts)
		case "data":
			z.Data, o, err = msgp.ReadBytesZC(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z AckResp) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendMapHeader(b, 0), nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *AckResp) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "AckResp", func(_ string, bts []byte) ([]byte, error) {
		return msgp.Skip(bts)
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z FinishReq) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendMapHeader(b, 0), nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *FinishReq) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "FinishReq", func(_ string, bts []byte) ([]byte, error) {
		return msgp.Skip(bts)
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z FinishResp) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 3)
	o = msgp.AppendString(o, "sequence")
	o = msgp.AppendInt(o, z.Sequence)
	o = msgp.AppendString(o, "records")
	o = msgp.AppendInt64(o, z.Records)
	o = msgp.AppendString(o, "path")
	o = msgp.AppendString(o, z.Path)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *FinishResp) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "FinishResp", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "sequence":
			z.Sequence, o, err = msgp.ReadIntBytes(bts)
		case "records":
			z.Records, o, err = msgp.ReadInt64Bytes(bts)
		case "path":
			z.Path, o, err = msgp.ReadStringBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

// MarshalMsg implements msgp.Marshaler.
func (z ErrorResp) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 2)
	o = msgp.AppendString(o, "message")
	o = msgp.AppendString(o, z.Message)
	o = msgp.AppendString(o, "code")
	o = msgp.AppendInt(o, z.Code)
	return o, nil
}

// UnmarshalMsg implements msgp.Unmarshaler.
func (z *ErrorResp) UnmarshalMsg(bts []byte) ([]byte, error) {
	return unmarshalMap(bts, "ErrorResp", func(key string, bts []byte) (o []byte, err error) {
		switch key {
		case "message":
			z.Message, o, err = msgp.ReadStringBytes(bts)
		case "code":
			z.Code, o, err = msgp.ReadIntBytes(bts)
		default:
			o, err = msgp.Skip(bts)
		}
		return o, err
	})
}

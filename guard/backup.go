package guard

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtraver/base91"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrBackupDigest indicates a backup no longer matches the digest recorded when it was taken.
var ErrBackupDigest = errors.New("backup digest mismatch")

// FileBackup is the stored copy of a source file taken before its first rewrite.
type FileBackup struct {
	// Path is the absolute source file path.
	Path string `msgpack:"p"`
	// Digest is the base91 encoded sha1 of the original source.
	Digest string `msgpack:"d"`
	// Source is the zstd compressed original source.
	Source []byte `msgpack:"s"`
	// Methods lists the instrumented declarations, as Type.Method.
	Methods []string `msgpack:"m"`
	// Timestamp is the unix time the backup was taken.
	Timestamp int64 `msgpack:"t"`
}

func sourceDigest(src []byte) string {
	sum := sha1.Sum(src)
	return base91.StdEncoding.EncodeToString(sum[:])
}

// NewFileBackup captures the original source of path.
func NewFileBackup(path string, src []byte, methods []string) FileBackup {
	return FileBackup{
		Path:      path,
		Digest:    sourceDigest(src),
		Source:    zstdCompress(nil, src),
		Methods:   methods,
		Timestamp: time.Now().Unix(),
	}
}

// Original returns the decompressed original source, verified against the digest.
func (b FileBackup) Original() ([]byte, error) {
	src, err := zstdDecompress(nil, b.Source)
	if err != nil {
		return nil, fmt.Errorf("backup decompress failure %s: %w", b.Path, err)
	} else if sourceDigest(src) != b.Digest {
		return nil, fmt.Errorf("%w: %s", ErrBackupDigest, b.Path)
	}
	return src, nil
}

// MarshalBackup encodes the backup for Storage.
func MarshalBackup(b FileBackup) ([]byte, error) {
	return msgpack.Marshal(&b)
}

// UnmarshalBackup decodes a backup previously encoded with MarshalBackup.
func UnmarshalBackup(data []byte) (FileBackup, error) {
	var b FileBackup
	err := msgpack.Unmarshal(data, &b)
	return b, err
}

func zstdCompress(dst, data []byte) []byte {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic(err) // only fails on invalid options
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, dst)
}

func zstdDecompress(dst, data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	return decoder.DecodeAll(data, dst)
}

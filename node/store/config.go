package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	fileatomic "github.com/natefinch/atomic"
)

// ConfigRecordSize is the fixed size of the persisted configuration record.
const ConfigRecordSize = 96

// Configuration flag bits, stored little-endian at offset 0x2C.
const (
	configFlagDirty        uint32 = 1 << 0
	configFlagRebuildBloom uint32 = 1 << 1
)

// Configuration is the persisted record described in spec.md §6: salt (in
// its on-disk, possibly master-key-wrapped form), capacity bookkeeping, and
// cumulative counters. It is read and written as one fixed 96-byte record.
type Configuration struct {
	Salt             []byte // 16 bytes, disk form
	Capacity         int64
	PreviousCapacity int64
	KeyCount         int64
	Generation       uint32
	Flags            uint32
	BloomK           uint32
	SchemaVersion    uint32

	Writes              int64
	Hits                int64
	Misses              int64
	BloomFalsePositives int64
}

func (c *Configuration) Dirty() bool        { return c.Flags&configFlagDirty != 0 }
func (c *Configuration) RebuildBloom() bool { return c.Flags&configFlagRebuildBloom != 0 }

func decodeConfig(buf []byte) (*Configuration, error) {
	if len(buf) < ConfigRecordSize {
		return nil, fmt.Errorf("saltstore: config record too short: %d bytes", len(buf))
	}

	c := &Configuration{
		Salt:             append([]byte(nil), buf[0x00:0x10]...),
		Capacity:         int64(binary.LittleEndian.Uint64(buf[0x10:0x18])),
		PreviousCapacity: int64(binary.LittleEndian.Uint64(buf[0x18:0x20])),
		KeyCount:         int64(binary.LittleEndian.Uint64(buf[0x20:0x28])),
		Generation:       binary.LittleEndian.Uint32(buf[0x28:0x2C]),
		Flags:            binary.LittleEndian.Uint32(buf[0x2C:0x30]),
		BloomK:            binary.LittleEndian.Uint32(buf[0x30:0x34]),
		SchemaVersion:    binary.LittleEndian.Uint32(buf[0x34:0x38]),
		Writes:              int64(binary.LittleEndian.Uint64(buf[0x40:0x48])),
		Hits:                int64(binary.LittleEndian.Uint64(buf[0x48:0x50])),
		Misses:              int64(binary.LittleEndian.Uint64(buf[0x50:0x58])),
		BloomFalsePositives: int64(binary.LittleEndian.Uint64(buf[0x58:0x60])),
	}
	return c, nil
}

func (c *Configuration) encode() []byte {
	buf := make([]byte, ConfigRecordSize)
	copy(buf[0x00:0x10], c.Salt)
	binary.LittleEndian.PutUint64(buf[0x10:0x18], uint64(c.Capacity))
	binary.LittleEndian.PutUint64(buf[0x18:0x20], uint64(c.PreviousCapacity))
	binary.LittleEndian.PutUint64(buf[0x20:0x28], uint64(c.KeyCount))
	binary.LittleEndian.PutUint32(buf[0x28:0x2C], c.Generation)
	binary.LittleEndian.PutUint32(buf[0x2C:0x30], c.Flags)
	binary.LittleEndian.PutUint32(buf[0x30:0x34], c.BloomK)
	binary.LittleEndian.PutUint32(buf[0x34:0x38], c.SchemaVersion)
	// 0x38:0x40 reserved, left zero.
	binary.LittleEndian.PutUint64(buf[0x40:0x48], uint64(c.Writes))
	binary.LittleEndian.PutUint64(buf[0x48:0x50], uint64(c.Hits))
	binary.LittleEndian.PutUint64(buf[0x50:0x58], uint64(c.Misses))
	binary.LittleEndian.PutUint64(buf[0x58:0x60], uint64(c.BloomFalsePositives))
	return buf
}

// loadConfig reads an existing configuration record. The second return
// value is false when the file did not exist (a brand new store); a
// corrupt-but-present file is returned as an error so the caller can run
// the one-shot recovery described in spec.md §7.
func loadConfig(path string) (*Configuration, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) < ConfigRecordSize {
		return nil, true, fmt.Errorf("saltstore: config file truncated: %d bytes", len(data))
	}
	cfg, err := decodeConfig(data)
	if err != nil {
		return nil, true, err
	}
	return cfg, true, nil
}

// persist writes the configuration atomically via a temp file + rename,
// mirroring the WithTicketLock persistence pattern used elsewhere in the
// reference pack (calvinalkan/agent-task's internal/ticket), rather than a
// hand-rolled temp+rename+fsync sequence.
func (c *Configuration) persist(path string) error {
	return fileatomic.WriteFile(path, bytes.NewReader(c.encode()))
}

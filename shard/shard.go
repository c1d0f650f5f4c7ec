// Package shard defines the on-store shard artifact formats shared by the
// indexer (writer) and the query planner (reader).
//
// A shard directory holds four artifacts plus a ready marker:
//
//	index.bin         trained IVF-PQ index (see ivfpq.Marshal)
//	index.config.json hyperparameters, so a reader never guesses
//	keymap.bin        lz4-framed ordinal -> (key, source slice, record range)
//	metadata.jsonl    one record (key, raw embedding, metadata) per vector,
//	                  ordinal order, range-addressable via the keymap
//	ready             publication marker; shards without it are invisible
package shard

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/spaolacci/murmur3"

	"github.com/cumulusvec/cumulus/distance"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/ivfpq"
	"github.com/cumulusvec/cumulus/model"
)

// NewID derives a shard id from its build sequence number and source
// slices: zero-padded sequence plus a short content hash, so retried builds
// of the same group produce the same id.
func NewID(seq uint64, sourceSlices []string) string {
	h := murmur3.New64()
	for _, s := range sourceSlices {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%06d-%08x", seq, h.Sum64()&0xffffffff)
}

// Seed derives the deterministic training seed for a shard.
func Seed(shardID string) int64 {
	return int64(murmur3.Sum64([]byte(shardID)))
}

// Config is the body of index.config.json.
type Config struct {
	Metric         string `json:"metric"`
	NList          int    `json:"nlist"`
	M              int    `json:"m"`
	NBits          int    `json:"nbits"`
	Dimension      int    `json:"dimension"`
	LibraryID      string `json:"libraryId"`
	LibraryVersion string `json:"libraryVersion"`
}

// ConfigFromIndex captures an index's effective hyperparameters.
func ConfigFromIndex(x *ivfpq.Index) Config {
	cfg := x.Config()
	return Config{
		Metric:         cfg.Metric.String(),
		NList:          cfg.NList,
		M:              cfg.M,
		NBits:          cfg.NBits,
		Dimension:      cfg.Dimension,
		LibraryID:      ivfpq.LibraryID,
		LibraryVersion: ivfpq.LibraryVersion,
	}
}

// Encode serializes the config.
func (c Config) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeConfig parses index.config.json.
func DecodeConfig(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, errs.New(errs.KindCorruption, "shard.config", err)
	}
	return c, nil
}

// Check verifies the sidecar config against the loaded index; a mismatch
// means the shard directory is inconsistent.
func (c Config) Check(x *ivfpq.Index) error {
	icfg := x.Config()
	metric, err := distance.ParseMetric(c.Metric)
	if err != nil {
		return errs.New(errs.KindCorruption, "shard.config", err)
	}
	if c.LibraryID != ivfpq.LibraryID {
		return errs.Newf(errs.KindCorruption, "shard.config", "foreign library %q", c.LibraryID)
	}
	if metric != icfg.Metric || c.Dimension != icfg.Dimension ||
		c.NList != icfg.NList || c.M != icfg.M || c.NBits != icfg.NBits {
		return errs.Newf(errs.KindCorruption, "shard.config",
			"config %+v disagrees with index.bin %+v", c, icfg)
	}
	return nil
}

// KeyEntry maps one internal ordinal to its origin and metadata range.
type KeyEntry struct {
	Key     string
	SliceID string
	// MetaOffset/MetaLen locate this record's document inside
	// metadata.jsonl for on-demand range reads.
	MetaOffset int64
	MetaLen    int64
}

// EncodeKeyMap serializes entries as an lz4-framed binary block. Keymaps
// compress well (keys share prefixes, slice ids repeat) and are fetched
// whole, so a framed codec beats range tricks here.
func EncodeKeyMap(entries []KeyEntry) ([]byte, error) {
	var raw bytes.Buffer
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(entries)))
	raw.Write(scratch[:4])
	for _, e := range entries {
		writeString(&raw, e.Key)
		writeString(&raw, e.SliceID)
		binary.LittleEndian.PutUint64(scratch[:], uint64(e.MetaOffset))
		raw.Write(scratch[:])
		binary.LittleEndian.PutUint64(scratch[:], uint64(e.MetaLen))
		raw.Write(scratch[:])
	}

	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, errs.New(errs.KindFatal, "shard.keymap", err)
	}
	if err := w.Close(); err != nil {
		return nil, errs.New(errs.KindFatal, "shard.keymap", err)
	}
	return out.Bytes(), nil
}

// DecodeKeyMap parses keymap.bin.
func DecodeKeyMap(blob []byte) ([]KeyEntry, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(blob)))
	if err != nil {
		return nil, errs.New(errs.KindCorruption, "shard.keymap", err)
	}
	r := bytes.NewReader(raw)

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return nil, errs.New(errs.KindCorruption, "shard.keymap", err)
	}
	count := binary.LittleEndian.Uint32(scratch[:4])

	entries := make([]KeyEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, errs.New(errs.KindCorruption, "shard.keymap", err)
		}
		sliceID, err := readString(r)
		if err != nil {
			return nil, errs.New(errs.KindCorruption, "shard.keymap", err)
		}
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, errs.New(errs.KindCorruption, "shard.keymap", err)
		}
		off := int64(binary.LittleEndian.Uint64(scratch[:]))
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, errs.New(errs.KindCorruption, "shard.keymap", err)
		}
		length := int64(binary.LittleEndian.Uint64(scratch[:]))
		entries = append(entries, KeyEntry{Key: key, SliceID: sliceID, MetaOffset: off, MetaLen: length})
	}
	return entries, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint16(b[:]))
	s := make([]byte, n)
	if _, err := io.ReadFull(r, s); err != nil {
		return "", err
	}
	return string(s), nil
}

// EncodeRecords writes one full record per line in ordinal order and
// returns the byte ranges backing KeyEntry.MetaOffset/MetaLen. Storing the
// raw embedding beside the metadata is what lets GetVectors and returnData
// answer with exact float32 values instead of lossy PQ reconstructions.
func EncodeRecords(records []model.VectorRecord) ([]byte, []KeyEntry, error) {
	var buf bytes.Buffer
	ranges := make([]KeyEntry, len(records))
	for i, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, nil, errs.New(errs.KindValidation, "shard.metadata", err)
		}
		ranges[i].MetaOffset = int64(buf.Len())
		ranges[i].MetaLen = int64(len(line))
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), ranges, nil
}

// DecodeRecordLine parses one range-read record line.
func DecodeRecordLine(line []byte) (model.VectorRecord, error) {
	var rec model.VectorRecord
	if err := json.Unmarshal(bytes.TrimRight(line, "\n"), &rec); err != nil {
		return model.VectorRecord{}, errs.New(errs.KindCorruption, "shard.metadata", err)
	}
	return rec, nil
}

// CountRecordLines counts records in a metadata.jsonl blob, for integrity
// checks against the keymap length.
func CountRecordLines(blob []byte) int {
	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		count++
	}
	return count
}

// ReadyMarker is the body of the ready object; its existence publishes the
// shard, its payload is for operators.
type ReadyMarker struct {
	ShardID     string    `json:"shardId"`
	VectorCount int       `json:"vectorCount"`
	Checksum    uint32    `json:"checksum"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Encode serializes the marker.
func (r ReadyMarker) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReadyMarker parses a ready object.
func DecodeReadyMarker(data []byte) (ReadyMarker, error) {
	var r ReadyMarker
	if err := json.Unmarshal(data, &r); err != nil {
		return ReadyMarker{}, errs.New(errs.KindCorruption, "shard.ready", err)
	}
	return r, nil
}

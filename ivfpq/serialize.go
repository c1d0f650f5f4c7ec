package ivfpq

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"

	"github.com/cumulusvec/cumulus/distance"
	"github.com/cumulusvec/cumulus/errs"
)

// Binary layout of index.bin, little-endian:
//
//	magic "CIPQ" | version u16 | metric u8 | pad u8
//	dim u32 | nlist u32 | m u32 | nbits u32 | ntotal u32
//	centroids [nlist*dim]f32
//	codebooks [m*ksub*dsub]f32
//	per list: count u32, ids [count]u32, codes [count*m]u8
//	crc32(IEEE) of everything above, u32
//
// The trailing checksum is verified on load; a mismatch surfaces as
// Corruption and quarantines the shard.
var magic = [4]byte{'C', 'I', 'P', 'Q'}

const formatVersion uint16 = 1

// Marshal serializes a trained index.
func (x *Index) Marshal() ([]byte, error) {
	if !x.trained {
		return nil, errs.Newf(errs.KindFatal, "ivfpq.marshal", "index not trained")
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	writeU16(&buf, formatVersion)
	buf.WriteByte(byte(x.cfg.Metric))
	buf.WriteByte(0)
	writeU32(&buf, uint32(x.cfg.Dimension))
	writeU32(&buf, uint32(x.cfg.NList))
	writeU32(&buf, uint32(x.cfg.M))
	writeU32(&buf, uint32(x.cfg.NBits))
	writeU32(&buf, x.ntotal)

	writeF32s(&buf, x.centroids)
	writeF32s(&buf, x.codebooks)
	for cell := 0; cell < x.cfg.NList; cell++ {
		writeU32(&buf, uint32(len(x.listIDs[cell])))
		for _, id := range x.listIDs[cell] {
			writeU32(&buf, id)
		}
		buf.Write(x.listCodes[cell])
	}

	writeU32(&buf, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes(), nil
}

// Checksum returns the CRC recorded in a marshaled blob, for the manifest's
// shard reference.
func Checksum(blob []byte) (uint32, error) {
	if len(blob) < 4 {
		return 0, errs.Newf(errs.KindCorruption, "ivfpq.checksum", "blob too short")
	}
	return binary.LittleEndian.Uint32(blob[len(blob)-4:]), nil
}

// Unmarshal deserializes an index, verifying the trailing checksum.
func Unmarshal(blob []byte) (*Index, error) {
	const header = 4 + 2 + 2 + 5*4
	if len(blob) < header+4 {
		return nil, errs.Newf(errs.KindCorruption, "ivfpq.unmarshal", "blob too short: %d bytes", len(blob))
	}

	body, tail := blob[:len(blob)-4], blob[len(blob)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(tail) {
		return nil, errs.Newf(errs.KindCorruption, "ivfpq.unmarshal", "checksum mismatch")
	}

	r := bytes.NewReader(body)
	var got [4]byte
	_, _ = r.Read(got[:])
	if got != magic {
		return nil, errs.Newf(errs.KindCorruption, "ivfpq.unmarshal", "bad magic %q", got[:])
	}
	if v := readU16(r); v != formatVersion {
		return nil, errs.Newf(errs.KindCorruption, "ivfpq.unmarshal", "unsupported format version %d", v)
	}
	metricByte, _ := r.ReadByte()
	_, _ = r.ReadByte()

	cfg := Config{
		Metric:    distance.Metric(metricByte),
		Dimension: int(readU32(r)),
		NList:     int(readU32(r)),
		M:         int(readU32(r)),
		NBits:     int(readU32(r)),
	}
	ntotal := readU32(r)
	if err := cfg.validate(); err != nil {
		return nil, errs.New(errs.KindCorruption, "ivfpq.unmarshal", err)
	}

	x := &Index{cfg: cfg, ntotal: ntotal, trained: true}
	x.centroids = readF32s(r, cfg.NList*cfg.Dimension)
	x.codebooks = readF32s(r, cfg.M*cfg.ksub()*cfg.dsub())
	if x.centroids == nil || x.codebooks == nil {
		return nil, errs.Newf(errs.KindCorruption, "ivfpq.unmarshal", "truncated quantizer data")
	}

	x.listIDs = make([][]uint32, cfg.NList)
	x.listCodes = make([][]byte, cfg.NList)
	var total uint32
	for cell := 0; cell < cfg.NList; cell++ {
		count := int(readU32(r))
		if count < 0 || r.Len() < count*(4+cfg.M) {
			return nil, errs.Newf(errs.KindCorruption, "ivfpq.unmarshal", "truncated list %d", cell)
		}
		ids := make([]uint32, count)
		for i := range ids {
			ids[i] = readU32(r)
		}
		codes := make([]byte, count*cfg.M)
		_, _ = r.Read(codes)
		x.listIDs[cell] = ids
		x.listCodes[cell] = codes
		total += uint32(count)
	}
	if total != ntotal {
		return nil, errs.Newf(errs.KindCorruption, "ivfpq.unmarshal", "list totals %d != ntotal %d", total, ntotal)
	}
	return x, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeF32s(buf *bytes.Buffer, vs []float32) {
	var b [4]byte
	for _, v := range vs {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
}

func readU16(r *bytes.Reader) uint16 {
	var b [2]byte
	_, _ = r.Read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func readU32(r *bytes.Reader) uint32 {
	var b [4]byte
	_, _ = r.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func readF32s(r *bytes.Reader, n int) []float32 {
	if r.Len() < n*4 {
		return nil
	}
	out := make([]float32, n)
	var b [4]byte
	for i := range out {
		_, _ = r.Read(b[:])
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
	}
	return out
}

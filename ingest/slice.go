// Package ingest implements the write path: batch validation, slice-id
// assignment and durable slice objects.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/model"
)

// NewSliceID builds a slice id from the assigned counter value: a 20-digit
// zero-padded counter for lexicographic ordering plus a random suffix so a
// retried write can never collide with a completed one.
func NewSliceID(counter uint64) string {
	return fmt.Sprintf("%020d-%s", counter, uuid.NewString()[:8])
}

// EncodeSlice serializes records in the given slice format.
func EncodeSlice(format model.SliceFormat, records []model.VectorRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, errs.New(errs.KindValidation, "ingest.encode_slice", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	switch format {
	case model.FormatJSONL:
		return buf.Bytes(), nil
	case model.FormatJSONLZstd:
		var out bytes.Buffer
		w, err := zstd.NewWriter(&out)
		if err != nil {
			return nil, errs.New(errs.KindFatal, "ingest.encode_slice", err)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return nil, errs.New(errs.KindFatal, "ingest.encode_slice", err)
		}
		if err := w.Close(); err != nil {
			return nil, errs.New(errs.KindFatal, "ingest.encode_slice", err)
		}
		return out.Bytes(), nil
	default:
		return nil, errs.Newf(errs.KindValidation, "ingest.encode_slice", "unsupported format %q", format)
	}
}

// DecodeSlice parses a slice object. The format is inferred from the object
// key extension by the caller.
func DecodeSlice(format model.SliceFormat, blob []byte) ([]model.VectorRecord, error) {
	var reader io.Reader = bytes.NewReader(blob)
	if format == model.FormatJSONLZstd {
		zr, err := zstd.NewReader(reader)
		if err != nil {
			return nil, errs.New(errs.KindCorruption, "ingest.decode_slice", err)
		}
		defer zr.Close()
		reader = zr
	}

	var records []model.VectorRecord
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec model.VectorRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errs.New(errs.KindCorruption, "ingest.decode_slice", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New(errs.KindCorruption, "ingest.decode_slice", err)
	}
	return records, nil
}

// FormatFromKey infers the slice format from an object key.
func FormatFromKey(key string) (model.SliceFormat, error) {
	switch {
	case strings.HasSuffix(key, ".jsonl.zst"):
		return model.FormatJSONLZstd, nil
	case strings.HasSuffix(key, ".jsonl"):
		return model.FormatJSONL, nil
	default:
		return "", errs.Newf(errs.KindValidation, "ingest.format", "unknown slice extension on %q", key)
	}
}

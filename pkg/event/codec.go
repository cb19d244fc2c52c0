package event

import (
	"bytes"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
)

// json sorts map keys, which makes the encoding canonical: two events with
// equal fields produce identical bytes.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// compressionLevel balances write-path CPU against blob size.
const compressionLevel = 6

// Marshal renders the event as canonical JSON without compressing it. This
// is the form events travel in on the queue.
func Marshal(e *Event) ([]byte, error) {
	norm := *e
	norm.Timestamp = e.Timestamp.UTC()
	if !e.EnqueuedAt.IsZero() {
		norm.EnqueuedAt = e.EnqueuedAt.UTC()
	}
	return json.Marshal(&norm)
}

// Unmarshal parses canonical JSON produced by Marshal.
func Unmarshal(raw []byte) (*Event, error) {
	e := &Event{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaInvalid, err)
	}
	return e, nil
}

// Encode renders the event as canonical JSON and zlib-compresses it. The
// result is the raw-store blob. Events whose compressed form exceeds
// MaxEncodedSize fail with ErrPayloadTooLarge.
func Encode(e *Event) ([]byte, error) {
	raw, err := Marshal(e)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, compressionLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	if buf.Len() > MaxEncodedSize {
		return nil, ErrPayloadTooLarge
	}
	return buf.Bytes(), nil
}

// Decode decompresses and parses a blob produced by Encode.
func Decode(blob []byte) (*Event, error) {
	r, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("open zlib blob: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(io.LimitReader(r, MaxEncodedSize*16))
	if err != nil {
		return nil, fmt.Errorf("decompress blob: %w", err)
	}
	return Unmarshal(raw)
}

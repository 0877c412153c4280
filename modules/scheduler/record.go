package scheduler

import (
	"encoding/json"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is the stored form of one scheduled message. The caller's key,
// value and headers are decoded to UTF-8 at ingest so the changelog stays
// string-compatible; on delivery they are re-emitted as raw bytes. This is
// the only place the engine interprets the payload.
type Record struct {
	Key     string            `json:"k"`
	Value   string            `json:"v"`
	Headers map[string]string `json:"h"`
	KMS     RecordMeta        `json:"__kms"`
}

// RecordMeta carries scheduler-internal routing data.
type RecordMeta struct {
	// Destination is the topic the message is delivered to when due.
	Destination string `json:"d"`
}

func encodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decodeRecord(raw []byte) (Record, error) {
	var rec Record
	err := json.Unmarshal(raw, &rec)
	return rec, err
}

// encodeCount serializes a TimeKey counter value.
func encodeCount(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}

// decodeCount parses a TimeKey counter value. Absent or malformed values
// count as zero; a corrupt counter only makes the scanner under-read, and the
// per-second invariant check in tests catches divergence.
func decodeCount(raw []byte) int64 {
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// headerMap converts Kafka record headers to the string map stored in a
// Record. Later duplicates win, matching broker semantics for header lookup.
func headerMap(hs []kgo.RecordHeader) map[string]string {
	if len(hs) == 0 {
		return map[string]string{}
	}
	m := make(map[string]string, len(hs))
	for _, h := range hs {
		m[h.Key] = string(h.Value)
	}
	return m
}

// kafkaHeaders converts a stored header map back to Kafka record headers.
func kafkaHeaders(m map[string]string) []kgo.RecordHeader {
	if len(m) == 0 {
		return nil
	}
	hs := make([]kgo.RecordHeader, 0, len(m))
	for k, v := range m {
		hs = append(hs, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return hs
}

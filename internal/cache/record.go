package cache

import (
	"encoding/json"
	"net/http"
	"time"
)

// entryRecord 是两种后端共用的持久化格式，Body 以 base64 写入 JSON。
type entryRecord struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

func encodeRecord(key string, resp *Response) ([]byte, error) {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return json.Marshal(entryRecord{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		Body:     resp.Body,
		StoredAt: storedAt,
	})
}

func decodeRecord(data []byte) (string, *Response, error) {
	var rec entryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", nil, err
	}
	header := rec.Header
	if header == nil {
		header = http.Header{}
	}
	return rec.Key, &Response{
		Status:   rec.Status,
		Header:   header,
		Body:     rec.Body,
		StoredAt: rec.StoredAt,
	}, nil
}

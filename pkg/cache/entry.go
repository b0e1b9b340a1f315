package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"farsiland-scraper/pkg/utils"
)

// Entry is one cached response. On disk it is a single JSON header line followed by Size body bytes.
type Entry struct {
	URL         string    `json:"url"`
	FetchedAt   time.Time `json:"fetched_at"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Body        []byte    `json:"-"`
}

func encodeEntry(w io.Writer, e *Entry) error {
	header, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return err
	}
	_, err = w.Write(e.Body)
	return err
}

// decodeEntry parses a cache file. Anything short of a complete entry is ErrCorruptEntry.
func decodeEntry(data []byte) (*Entry, error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, fmt.Errorf("%w: missing header terminator", utils.ErrCorruptEntry)
	}

	var e Entry
	if err := json.Unmarshal(data[:nl], &e); err != nil {
		return nil, fmt.Errorf("%w: header: %v", utils.ErrCorruptEntry, err)
	}

	body := data[nl+1:]
	if int64(len(body)) != e.Size {
		return nil, fmt.Errorf("%w: body has %d bytes, header says %d", utils.ErrCorruptEntry, len(body), e.Size)
	}
	e.Body = body
	return &e, nil
}

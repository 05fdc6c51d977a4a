package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Sternrassler/discovery-harvester/pkg/sink"
	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidRecord is returned for a body that is not JSON.
	ErrInvalidRecord = errors.New("record is not valid JSON")

	// ErrMissingRoot is returned when the configured root path is absent.
	ErrMissingRoot = errors.New("record root not found")
)

// Mapper turns a raw item body into a record.
type Mapper interface {
	Map(entity, itemID string, raw []byte) (sink.Record, error)
}

// JSONMapper maps JSON bodies with gjson paths.
type JSONMapper struct {
	// Root selects the record object inside the body; empty means the body.
	Root string `yaml:"root"`

	Caption string `yaml:"caption"`

	// TakenAt may point at unix seconds or an RFC 3339 string.
	TakenAt string `yaml:"taken_at"`

	// MediaURLs are tried in order; each may match one value or an array.
	MediaURLs []string `yaml:"media_urls"`
}

// DefaultJSONMapper returns the mapper for the item endpoint's layout.
func DefaultJSONMapper() JSONMapper {
	return JSONMapper{
		Caption:   "caption.text",
		TakenAt:   "taken_at",
		MediaURLs: []string{"media.#.url", "video_url"},
	}
}

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// Map extracts the configured fields. Absent fields stay empty.
func (m JSONMapper) Map(entity, itemID string, raw []byte) (sink.Record, error) {
	if !gjson.ValidBytes(raw) {
		return sink.Record{}, ErrInvalidRecord
	}

	doc := gjson.ParseBytes(raw)
	if m.Root != "" {
		doc = doc.Get(m.Root)
		if !doc.Exists() || !doc.IsObject() {
			return sink.Record{}, fmt.Errorf("%w: %s", ErrMissingRoot, m.Root)
		}
	}

	rec := sink.Record{
		Entity: entity,
		ItemID: itemID,
		Raw:    json.RawMessage(doc.Raw),
	}
	if m.Caption != "" {
		rec.Caption = doc.Get(m.Caption).String()
		rec.Hashtags = Hashtags(rec.Caption)
	}
	if m.TakenAt != "" {
		rec.TakenAt = parseTime(doc.Get(m.TakenAt))
	}

	seen := make(map[string]struct{})
	for _, path := range m.MediaURLs {
		res := doc.Get(path)
		values := []gjson.Result{res}
		if res.IsArray() {
			values = res.Array()
		}
		for _, v := range values {
			u := v.String()
			if u == "" {
				continue
			}
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			rec.MediaURLs = append(rec.MediaURLs, u)
		}
	}
	return rec, nil
}

func parseTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		if secs := v.Int(); secs > 0 {
			return time.Unix(secs, 0).UTC()
		}
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, v.Str); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Hashtags returns the distinct hashtags of a caption, lowercased, in order
// of first appearance.
func Hashtags(caption string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range hashtagPattern.FindAllStringSubmatch(caption, -1) {
		tag := strings.ToLower(m[1])
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

package activitypub

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/deemkeen/trailpost/domain"
)

// Object is an inbound Note, Article or Question as it appears on the
// wire. Fields that remote servers send in more than one shape use the
// tolerant types below.
type Object struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	AttributedTo Reference       `json:"attributedTo"`
	InReplyTo    Reference       `json:"inReplyTo"`
	Content      json.RawMessage `json:"content"`
	ContentMap   json.RawMessage `json:"contentMap"`
	Summary      *LooseString    `json:"summary"`
	URL          Reference       `json:"url"`
	To           StringList      `json:"to"`
	Cc           StringList      `json:"cc"`
	Attachment   AttachmentList  `json:"attachment"`
	Tag          TagList         `json:"tag"`
	Sensitive    LooseBool       `json:"sensitive"`
	Published    LooseString     `json:"published"`
	Updated      LooseString     `json:"updated"`
	Replies      Reference       `json:"replies"`

	// Question only
	OneOf       []PollOption `json:"oneOf"`
	AnyOf       []PollOption `json:"anyOf"`
	EndTime     LooseString  `json:"endTime"`
	Closed      LooseString  `json:"closed"`
	VotersCount *int         `json:"votersCount"`
}

// Activity is the envelope of Create, Update, Delete and Announce.
type Activity struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     Reference   `json:"actor"`
	Object    Reference   `json:"object"`
	To        StringList  `json:"to"`
	Cc        StringList  `json:"cc"`
	Published LooseString `json:"published"`
}

// PollOption is one entry of oneOf/anyOf.
type PollOption struct {
	Name    LooseString `json:"name"`
	Replies struct {
		TotalItems int `json:"totalItems"`
	} `json:"replies"`
}

// Collection is a (possibly ordered) collection or collection page.
type Collection struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	First        Reference   `json:"first"`
	Next         Reference   `json:"next"`
	Items        []Reference `json:"items"`
	OrderedItems []Reference `json:"orderedItems"`
}

// Entries returns items followed by orderedItems.
func (c *Collection) Entries() []Reference {
	return append(append([]Reference(nil), c.Items...), c.OrderedItems...)
}

// Reference is a link to another object: either a bare id or an embedded
// object carrying one. Arrays resolve to their first usable element.
type Reference struct {
	ID       string
	Embedded json.RawMessage
}

func (r *Reference) UnmarshalJSON(b []byte) error {
	*r = Reference{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if json.Unmarshal(b, &s) == nil {
			r.ID = s
		}
	case '{':
		var link struct {
			ID   string `json:"id"`
			Href string `json:"href"`
		}
		if json.Unmarshal(b, &link) == nil {
			r.ID = link.ID
			if r.ID == "" {
				r.ID = link.Href
			}
			r.Embedded = append(json.RawMessage(nil), b...)
		}
	case '[':
		var items []Reference
		if json.Unmarshal(b, &items) == nil {
			for _, item := range items {
				if item.ID != "" || item.Embedded != nil {
					*r = item
					break
				}
			}
		}
	}
	return nil
}

// IsZero reports whether nothing was referenced.
func (r Reference) IsZero() bool {
	return r.ID == "" && r.Embedded == nil
}

// StringList accepts a single string or an array of strings and ids.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	*l = nil
	var refs []Reference
	if err := json.Unmarshal(b, &refs); err != nil {
		var one Reference
		if json.Unmarshal(b, &one) != nil || one.ID == "" {
			return nil
		}
		*l = StringList{one.ID}
		return nil
	}
	for _, ref := range refs {
		if ref.ID != "" {
			*l = append(*l, ref.ID)
		}
	}
	return nil
}

// LooseString decodes strings and ignores every other shape.
type LooseString string

func (s *LooseString) UnmarshalJSON(b []byte) error {
	var v string
	if json.Unmarshal(b, &v) == nil {
		*s = LooseString(v)
	} else {
		*s = ""
	}
	return nil
}

// LooseBool decodes booleans and ignores every other shape.
type LooseBool bool

func (v *LooseBool) UnmarshalJSON(b []byte) error {
	var x bool
	if json.Unmarshal(b, &x) == nil {
		*v = LooseBool(x)
	} else {
		*v = false
	}
	return nil
}

// AttachmentList accepts a single attachment object or an array of them.
// Entries without a URL are dropped.
type AttachmentList []domain.Attachment

func (l *AttachmentList) UnmarshalJSON(b []byte) error {
	*l = nil
	for _, raw := range oneOrMany(b) {
		var wire struct {
			Type      LooseString `json:"type"`
			MediaType LooseString `json:"mediaType"`
			URL       Reference   `json:"url"`
			Name      LooseString `json:"name"`
			Width     int         `json:"width"`
			Height    int         `json:"height"`
		}
		if json.Unmarshal(raw, &wire) != nil || wire.URL.ID == "" {
			continue
		}
		*l = append(*l, domain.Attachment{
			Type:      string(wire.Type),
			MediaType: string(wire.MediaType),
			URL:       wire.URL.ID,
			Name:      string(wire.Name),
			Width:     wire.Width,
			Height:    wire.Height,
		})
	}
	return nil
}

// TagList accepts a single tag object or an array of them.
type TagList []domain.Tag

func (l *TagList) UnmarshalJSON(b []byte) error {
	*l = nil
	for _, raw := range oneOrMany(b) {
		var wire struct {
			Type LooseString `json:"type"`
			Name LooseString `json:"name"`
			Href LooseString `json:"href"`
			Icon Reference   `json:"icon"`
		}
		if json.Unmarshal(raw, &wire) != nil || (wire.Name == "" && wire.Href == "") {
			continue
		}
		icon := wire.Icon.ID
		if wire.Icon.Embedded != nil {
			var img struct {
				URL Reference `json:"url"`
			}
			if json.Unmarshal(wire.Icon.Embedded, &img) == nil {
				icon = img.URL.ID
			}
		}
		*l = append(*l, domain.Tag{
			Type: string(wire.Type),
			Name: string(wire.Name),
			Href: string(wire.Href),
			Icon: icon,
		})
	}
	return nil
}

// decodeEmbedded decodes an embedded object, nil when it has no id.
func decodeEmbedded(ref Reference) *Object {
	if ref.Embedded == nil {
		return nil
	}
	var obj Object
	if err := json.Unmarshal(ref.Embedded, &obj); err != nil || obj.ID == "" {
		return nil
	}
	return &obj
}

// oneOrMany splits an object or an array of objects into its elements.
func oneOrMany(b []byte) []json.RawMessage {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '{':
		return []json.RawMessage{b}
	case '[':
		var items []json.RawMessage
		if json.Unmarshal(b, &items) == nil {
			return items
		}
	}
	return nil
}

// NormalizeContent picks the text of an object: a string content wins, a
// legacy array contributes its first string element, otherwise the first
// contentMap entry in document order. Anything else yields "".
func NormalizeContent(content, contentMap json.RawMessage) string {
	if present(content) {
		var s string
		if json.Unmarshal(content, &s) == nil {
			return s
		}
		var items []json.RawMessage
		if json.Unmarshal(content, &items) == nil {
			for _, item := range items {
				if present(item) && json.Unmarshal(item, &s) == nil {
					return s
				}
			}
		}
	}
	return firstMapString(contentMap)
}

// firstMapString returns the first string value of a JSON object, in the
// order the keys appear in the document.
func firstMapString(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return ""
	}
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return ""
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return ""
		}
		var s string
		if present(value) && json.Unmarshal(value, &s) == nil {
			return s
		}
	}
	return ""
}

// HasContent reports whether the payload carried content in any form.
func (o *Object) HasContent() bool {
	return present(o.Content) || present(o.ContentMap)
}

// present reports whether a raw field was sent with a non-null value.
func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// SummaryText returns the summary, "" when absent.
func (o *Object) SummaryText() string {
	if o.Summary == nil {
		return ""
	}
	return string(*o.Summary)
}

// IsPublic reports whether the object is addressed to the public collection.
func (o *Object) IsPublic() bool {
	return domain.IsPublicAddressing(o.To, o.Cc)
}

// IsNote reports whether the object is stored as a Note.
func (o *Object) IsNote() bool {
	return o.Type == domain.StatusTypeNote || o.Type == "Article"
}

// PollOptions returns the choices and whether several may be picked.
// ok is false when the object has neither oneOf nor anyOf.
func (o *Object) PollOptions() (choices []domain.PollChoice, multiple bool, ok bool) {
	options := o.OneOf
	if len(options) == 0 && len(o.AnyOf) > 0 {
		options = o.AnyOf
		multiple = true
	}
	if len(options) == 0 {
		return nil, false, false
	}
	for _, opt := range options {
		if opt.Name == "" {
			continue
		}
		choices = append(choices, domain.PollChoice{Name: string(opt.Name), Total: opt.Replies.TotalItems})
	}
	return choices, multiple, len(choices) > 0
}

// PollEnd returns endTime, falling back to closed.
func (o *Object) PollEnd() *time.Time {
	for _, v := range []LooseString{o.EndTime, o.Closed} {
		if t, ok := parseTime(string(v)); ok {
			return &t
		}
	}
	return nil
}

func parseTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

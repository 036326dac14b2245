package activitypub

import (
	"encoding/json"
	"testing"

	"github.com/deemkeen/trailpost/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		contentMap string
		want       string
	}{
		{"string wins", `"<p>hi</p>"`, `{"en":"other"}`, "<p>hi</p>"},
		{"legacy array", `[1, "first", "second"]`, ``, "first"},
		{"array without strings falls back", `[1, 2]`, `{"fr":"salut"}`, "salut"},
		{"content map document order", ``, `{"zh":"你好","en":"hello","de":"hallo"}`, "你好"},
		{"content map skips non strings", `null`, `{"en":null,"de":"hallo"}`, "hallo"},
		{"nothing usable", `{"a":1}`, `[]`, ""},
		{"absent", ``, ``, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeContent(json.RawMessage(tt.content), json.RawMessage(tt.contentMap))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObjectTolerantShapes(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`{
		"id": "https://a.example/notes/1",
		"type": "Note",
		"attributedTo": [{"type": "Person", "id": "https://a.example/users/ann"}],
		"inReplyTo": {"id": "https://b.example/notes/p", "type": "Note"},
		"to": "https://www.w3.org/ns/activitystreams#Public",
		"cc": ["https://a.example/users/ann/followers", {"id": "https://b.example/users/bob"}],
		"summary": null,
		"sensitive": "yes",
		"url": {"type": "Link", "href": "https://a.example/@ann/1"},
		"attachment": [{"type": "Document", "url": "https://a.example/m/1.jpg"}, {"type": "Document"}],
		"tag": {"type": "Emoji", "name": ":blob:", "icon": {"type": "Image", "url": "https://a.example/e/blob.png"}}
	}`), &obj)
	require.NoError(t, err)

	assert.Equal(t, "https://a.example/users/ann", obj.AttributedTo.ID)
	assert.Equal(t, "https://b.example/notes/p", obj.InReplyTo.ID)
	assert.Equal(t, StringList{domain.PublicAddress}, obj.To)
	assert.Equal(t, StringList{"https://a.example/users/ann/followers", "https://b.example/users/bob"}, obj.Cc)
	assert.Nil(t, obj.Summary)
	assert.False(t, bool(obj.Sensitive))
	assert.Equal(t, "https://a.example/@ann/1", obj.URL.ID)
	require.Len(t, obj.Attachment, 1)
	require.Len(t, obj.Tag, 1)
	assert.Equal(t, "https://a.example/e/blob.png", obj.Tag[0].Icon)
	assert.True(t, obj.IsPublic())
}

func TestObjectUnrecognizedShapesAreEmpty(t *testing.T) {
	var obj Object
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","type":"Note","to":42,"attachment":"nope","tag":7,"inReplyTo":true}`), &obj))
	assert.Empty(t, obj.To)
	assert.Empty(t, obj.Attachment)
	assert.Empty(t, obj.Tag)
	assert.True(t, obj.InReplyTo.IsZero())
	assert.False(t, obj.IsPublic())
}

func TestPollOptions(t *testing.T) {
	var obj Object
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "p", "type": "Question",
		"anyOf": [{"name": "a", "replies": {"totalItems": 2}}, {"name": "b"}],
		"endTime": "2024-06-01T00:00:00.000Z",
		"closed": "2024-07-01T00:00:00Z"
	}`), &obj))

	choices, multiple, ok := obj.PollOptions()
	require.True(t, ok)
	assert.True(t, multiple)
	assert.Equal(t, []domain.PollChoice{{Name: "a", Total: 2}, {Name: "b", Total: 0}}, choices)
	require.NotNil(t, obj.PollEnd())
	assert.Equal(t, 6, int(obj.PollEnd().Month()))
}

func TestPollEndFallsBackToClosed(t *testing.T) {
	var obj Object
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p","type":"Question","closed":"2024-07-01T00:00:00Z"}`), &obj))
	require.NotNil(t, obj.PollEnd())
	assert.Equal(t, 7, int(obj.PollEnd().Month()))

	require.NoError(t, json.Unmarshal([]byte(`{"id":"p","type":"Question","closed":true}`), &obj))
	assert.Nil(t, obj.PollEnd())
}

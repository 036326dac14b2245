package domain

import (
	"time"
)

// PublicAddress is the ActivityStreams public collection.
const PublicAddress = "https://www.w3.org/ns/activitystreams#Public"

// Status types as they appear on the wire
const (
	StatusTypeNote     = "Note"
	StatusTypeQuestion = "Question"
	StatusTypeAnnounce = "Announce"
)

// Visibility levels derived from addressing
const (
	VisibilityPublic    = "public"
	VisibilityUnlisted  = "unlisted"
	VisibilityFollowers = "followers"
	VisibilityDirect    = "direct"
)

// Actor represents a local or cached remote identity
type Actor struct {
	Id            string // ActivityPub actor URI
	Username      string
	Domain        string
	DisplayName   string
	Summary       string
	InboxURI      string
	OutboxURI     string
	FollowersURI  string
	PublicKeyPem  string
	AvatarURL     string
	Local         bool
	LastFetchedAt time.Time

	// Privacy geofence for fitness traces. Radius 0 disables it.
	HomeLatitude  *float64
	HomeLongitude *float64
	PrivacyRadius int
}

// Attachment is a media attachment on a status
type Attachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Tag is a mention, hashtag or custom emoji attached to a status
type Tag struct {
	Type string `json:"type"` // Mention, Hashtag, Emoji
	Name string `json:"name"`
	Href string `json:"href,omitempty"`
	Icon string `json:"icon,omitempty"`
}

// PollChoice is one option of a Question with its vote total
type PollChoice struct {
	Name  string
	Total int
}

// Status is a persisted Note, Question or Announce
type Status struct {
	Id               string // globally unique object URI
	ActorId          string
	Type             string
	URL              string
	Content          string
	Summary          string
	Reply            string // URI of the status this replies to
	OriginalStatusId string // boosted status, Announce only
	To               []string
	Cc               []string
	Attachments      []Attachment
	Tags             []Tag
	Visibility       string
	Sensitive        bool
	Local            bool
	CreatedAt        time.Time
	EditedAt         *time.Time

	// Question only
	Choices     []PollChoice
	Multiple    bool
	EndTime     *time.Time
	VotersCount int
}

// IsPublic reports whether the status is addressed to the public collection.
func (s *Status) IsPublic() bool {
	return IsPublicAddressing(s.To, s.Cc)
}

// IsPublicAddressing reports whether any of the address lists contains the
// public collection in one of its accepted spellings.
func IsPublicAddressing(lists ...[]string) bool {
	for _, list := range lists {
		for _, addr := range list {
			switch addr {
			case PublicAddress, "as:Public", "Public":
				return true
			}
		}
	}
	return false
}

// VisibilityOf derives the visibility of an object from its addressing and
// the followers collection of its author.
func VisibilityOf(to, cc []string, followersURI string) string {
	if IsPublicAddressing(to) {
		return VisibilityPublic
	}
	if IsPublicAddressing(cc) {
		return VisibilityUnlisted
	}
	if followersURI != "" {
		for _, list := range [][]string{to, cc} {
			for _, addr := range list {
				if addr == followersURI {
					return VisibilityFollowers
				}
			}
		}
	}
	return VisibilityDirect
}

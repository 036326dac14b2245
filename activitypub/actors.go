package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/trailpost/db"
	"github.com/deemkeen/trailpost/domain"
)

// actorRefreshInterval is how long a cached remote actor is trusted.
const actorRefreshInterval = 24 * time.Hour

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername LooseString `json:"preferredUsername"`
	Name              LooseString `json:"name"`
	Summary           LooseString `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Followers         string      `json:"followers"`
	Icon              Reference   `json:"icon"`
	PublicKey         struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// GetOrFetchActor returns the stored actor, fetching and persisting it when
// it is unknown or stale. A stale actor is still returned when the refresh
// fails.
func (r *Resolver) GetOrFetchActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	if actorURI == "" {
		return nil, fmt.Errorf("empty actor URI")
	}
	cached, err := r.db.ReadActor(ctx, actorURI)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("failed to read actor %s: %w", actorURI, err)
	}
	if cached != nil && (cached.Local || r.now().Sub(cached.LastFetchedAt) < actorRefreshInterval) {
		return cached, nil
	}

	actor, err := r.fetchActor(ctx, actorURI)
	if err != nil {
		if cached != nil {
			r.log.Warnw("Resolver: actor refresh failed, using cached copy", "actor", actorURI, "error", err)
			return cached, nil
		}
		return nil, err
	}

	created, err := r.db.CreateActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !created {
		if err := r.db.UpdateActor(ctx, actor); err != nil {
			return nil, fmt.Errorf("failed to store actor %s: %w", actorURI, err)
		}
	}
	return actor, nil
}

func (r *Resolver) fetchActor(ctx context.Context, actorURI string) (*domain.Actor, error) {
	body, err := r.fetch.Fetch(ctx, actorURI)
	if err != nil {
		return nil, err
	}

	var resp ActorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if resp.ID == "" || resp.Inbox == "" {
		return nil, fmt.Errorf("actor %s missing required fields", actorURI)
	}
	// actors are stored and looked up under the URI they were fetched from
	if resp.ID != actorURI {
		return nil, fmt.Errorf("actor %s identifies itself as %s", actorURI, resp.ID)
	}

	domainName, err := extractDomain(resp.ID)
	if err != nil {
		return nil, err
	}
	username := string(resp.PreferredUsername)
	if username == "" {
		username = extractUsername(resp.ID)
	}

	return &domain.Actor{
		Id:            resp.ID,
		Username:      username,
		Domain:        domainName,
		DisplayName:   string(resp.Name),
		Summary:       string(resp.Summary),
		InboxURI:      resp.Inbox,
		OutboxURI:     resp.Outbox,
		FollowersURI:  resp.Followers,
		PublicKeyPem:  resp.PublicKey.PublicKeyPem,
		AvatarURL:     iconURL(resp.Icon),
		LastFetchedAt: r.now(),
	}, nil
}

func iconURL(icon Reference) string {
	if icon.Embedded != nil {
		var img struct {
			URL Reference `json:"url"`
		}
		if json.Unmarshal(icon.Embedded, &img) == nil && img.URL.ID != "" {
			return img.URL.ID
		}
	}
	return icon.ID
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	return parsed.Host, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	parts := strings.Split(strings.TrimSuffix(uri, "/"), "/")
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}

package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// GuildPrefix marks guild room ids.
const GuildPrefix = "GUILD#"

// Kind discriminates room payloads.
type Kind string

const (
	KindGeneral Kind = "general"
	KindGuild   Kind = "guild"
)

// KindOf derives the kind of a room from its id.
func KindOf(roomID string) Kind {
	if strings.HasPrefix(roomID, GuildPrefix) {
		return KindGuild
	}
	return KindGeneral
}

// ErrMalformedInfo is returned when a room payload fails validation.
var ErrMalformedInfo = errors.New("room: malformed room info")

// Guild describes the guild that owns a guild room.
type Guild struct {
	GuildID string `json:"guildId"`
	Name    string `json:"name"`
}

// Info is the room description returned by the backend. It is validated
// once by DecodeInfo; code holding an Info can switch on Kind without
// probing optional fields.
type Info struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Name        string `json:"name"`
	MemberCount int    `json:"memberCount"`
	Guild       *Guild `json:"guild,omitempty"`
}

// IsGuild reports whether the room belongs to a guild.
func (i Info) IsGuild() bool {
	return i.Kind == KindGuild
}

// DecodeInfo parses and validates a room payload. A missing kind is
// derived from the id; a declared kind that contradicts the id prefix, or
// guild details on a general room, is rejected.
func DecodeInfo(data []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrMalformedInfo, err)
	}
	if err := info.validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}

func (i *Info) validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedInfo)
	}
	want := KindOf(i.ID)
	switch i.Kind {
	case "":
		i.Kind = want
	case KindGeneral, KindGuild:
		if i.Kind != want {
			return fmt.Errorf("%w: room %s declared %s", ErrMalformedInfo, i.ID, i.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedInfo, i.Kind)
	}
	if i.Kind == KindGeneral && i.Guild != nil {
		return fmt.Errorf("%w: general room %s carries guild details", ErrMalformedInfo, i.ID)
	}
	if i.MemberCount < 0 {
		i.MemberCount = 0
	}
	return nil
}

package types

import (
	"regexp"
	"sort"
	"strings"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// since validation runs on every inbound message
var (
	userIDRegex   = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	idRegex       = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	languageRegex = regexp.MustCompile(`^[a-zA-Z]{2,8}(-[a-zA-Z0-9]{1,8})*$`)
)

// MaxTextBytes bounds transcription and translation text.
const MaxTextBytes = 16 * 1024

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 128 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidID checks session and mosque identifiers.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidLanguage checks a language tag.
func IsValidLanguage(lang Language) bool {
	if len(lang) < 2 || len(lang) > 35 {
		return false
	}
	return languageRegex.MatchString(string(lang))
}

// IsValidIdentityRole reports whether r is one of the verifier's roles.
func IsValidIdentityRole(r Role) bool {
	switch r {
	case RoleMosqueAdmin, RoleIndividual, RoleAnonymous:
		return true
	default:
		return false
	}
}

// Validate checks the participant role shape. Translators must carry a language,
// other kinds must not.
func (r ParticipantRole) Validate() error {
	switch r.Kind {
	case KindBroadcaster, KindListener:
		if r.Language != "" {
			return ErrInvalidRole
		}
		return nil
	case KindTranslator:
		if !IsValidLanguage(r.Language) {
			return ErrInvalidLanguage
		}
		return nil
	default:
		return ErrInvalidRole
	}
}

// ValidateText checks transcription/translation text.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}
	if len(text) > MaxTextBytes {
		return ErrTextTooLarge
	}
	return nil
}

// NormalizeLanguages validates, lower-cases, de-duplicates
// and sorts a language list.
func NormalizeLanguages(langs []Language) ([]Language, error) {
	seen := make(map[Language]bool, len(langs))
	out := make([]Language, 0, len(langs))
	for _, l := range langs {
		l = NormalizeLanguage(l)
		if !IsValidLanguage(l) {
			return nil, ErrInvalidLanguage
		}
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// NormalizeLanguage trims and lower-cases a tag: "EN-us" -> "en-us".
func NormalizeLanguage(l Language) Language {
	return Language(strings.ToLower(strings.TrimSpace(string(l))))
}

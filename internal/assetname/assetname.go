// Package assetname builds and parses the fixed-grammar on-chain identifiers
// used for minted assets:
//
//	TNFT_V1_<body>_<hexid>
//	body := CAT_REG | CAT_ULT | MAST | SEAS_<SEASON>_ULT
//
// Names are at most 32 bytes of uppercase ASCII letters, digits and
// underscores followed by a lowercase hex id, and every canonical name
// parses back to its components.
// Pre-existing on-chain names in the old kebab-case form remain readable
// through a permissive fallback recognizer.
package assetname

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/trivianft/trivianft/internal/trivia"
)

const (
	Prefix  = "TNFT"
	Version = "V1"

	maxNameLen = 32
	hexIDLen   = 8
)

var categoryBySlug = map[string]string{
	"arts":          "ARTS",
	"entertainment": "ENT",
	"geography":     "GEO",
	"history":       "HIST",
	"mythology":     "MYTH",
	"nature":        "NAT",
	"science":       "SCI",
	"sports":        "SPORT",
	"technology":    "TECH",
	"weird":         "WEIRD",
}

var slugByCategory = func() map[string]string {
	m := make(map[string]string, len(categoryBySlug))
	for slug, code := range categoryBySlug {
		m[code] = slug
	}
	return m
}()

var (
	hexIDRe  = regexp.MustCompile(`^[0-9a-f]{8}$`)
	legacyRe = regexp.MustCompile(`^[a-z0-9-]{5,64}$`)
	seasonRe = regexp.MustCompile(`^(WI|SP|SU|FA)([1-9][0-9]*)$`)
)

// Components is the decoded form of an asset name. Legacy names carry only the
// raw id and default tier.
type Components struct {
	Prefix       string
	Version      string
	Tier         trivia.Tier
	CategoryCode string
	SeasonCode   string
	ID           string
	Legacy       bool
}

// SeasonCode is a decoded season token: a cycle within the quarterly rotation
// plus a 1-based cycle number.
type SeasonCode struct {
	Cycle  string // WI, SP, SU, FA
	Number int
}

func (s SeasonCode) String() string {
	return fmt.Sprintf("%s%d", s.Cycle, s.Number)
}

var cycleBySeasonWord = map[string]string{
	"winter": "WI",
	"spring": "SP",
	"summer": "SU",
	"fall":   "FA",
}

// SeasonCodeForID maps a season row id such as "winter-s1" to its asset-name
// token ("WI1").
func SeasonCodeForID(seasonID string) (string, error) {
	word, num, ok := strings.Cut(seasonID, "-s")
	cycle := cycleBySeasonWord[strings.ToLower(word)]
	if !ok || cycle == "" {
		return "", fmt.Errorf("%w: season id %q", trivia.ErrInvalidSeasonCode, seasonID)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 {
		return "", fmt.Errorf("%w: season id %q", trivia.ErrInvalidSeasonCode, seasonID)
	}
	return SeasonCode{Cycle: cycle, Number: n}.String(), nil
}

// CodeForCategorySlug maps a catalog slug to its asset-name token.
func CodeForCategorySlug(slug string) (string, bool) {
	code, ok := categoryBySlug[strings.ToLower(slug)]
	return code, ok
}

// SlugForCode is the inverse of CodeForCategorySlug.
func SlugForCode(code string) (string, bool) {
	slug, ok := slugByCategory[code]
	return slug, ok
}

// ValidCategoryCode reports whether code is one of the ten known tokens.
func ValidCategoryCode(code string) bool {
	_, ok := slugByCategory[code]
	return ok
}

// ParseSeasonCode decodes a season token such as "WI1" or "SU2".
func ParseSeasonCode(code string) (SeasonCode, error) {
	m := seasonRe.FindStringSubmatch(code)
	if m == nil {
		return SeasonCode{}, fmt.Errorf("%w: %q", trivia.ErrInvalidSeasonCode, code)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return SeasonCode{}, fmt.Errorf("%w: %q", trivia.ErrInvalidSeasonCode, code)
	}
	return SeasonCode{Cycle: m[1], Number: n}, nil
}

// Build produces the canonical name for the given components. The category
// code is required for category tiers, the season code for seasonal ultimates.
func Build(tier trivia.Tier, categoryCode, seasonCode, id string) (string, error) {
	if !hexIDRe.MatchString(id) {
		return "", fmt.Errorf("%w: %q", trivia.ErrInvalidHexID, id)
	}

	var body string
	switch tier {
	case trivia.TierCategory, trivia.TierCategoryUltimate:
		if categoryCode == "" {
			return "", fmt.Errorf("%w: category code", trivia.ErrMissingRequiredField)
		}
		if !ValidCategoryCode(categoryCode) {
			return "", fmt.Errorf("%w: %q", trivia.ErrInvalidCategoryCode, categoryCode)
		}
		suffix := "REG"
		if tier == trivia.TierCategoryUltimate {
			suffix = "ULT"
		}
		body = categoryCode + "_" + suffix
	case trivia.TierMasterUltimate:
		body = "MAST"
	case trivia.TierSeasonalUltimate:
		if seasonCode == "" {
			return "", fmt.Errorf("%w: season code", trivia.ErrMissingRequiredField)
		}
		if _, err := ParseSeasonCode(seasonCode); err != nil {
			return "", err
		}
		body = "SEAS_" + seasonCode + "_ULT"
	default:
		return "", fmt.Errorf("%w: tier %q", trivia.ErrMissingRequiredField, tier)
	}

	name := Prefix + "_" + Version + "_" + body + "_" + id
	if len(name) > maxNameLen {
		return "", fmt.Errorf("%w: %q is %d bytes", trivia.ErrInvalidLength, name, len(name))
	}
	return name, nil
}

// Parse decodes name into its components. The canonical grammar is tried
// first; names that predate it fall back to the legacy recognizer and decode
// to a regular-tier component set with the raw name as id. The second return
// is false when the name matches neither form.
func Parse(name string) (Components, bool) {
	if c, ok := parseCanonical(name); ok {
		return c, true
	}
	if legacyRe.MatchString(name) {
		return Components{
			Prefix:  Prefix,
			Version: Version,
			Tier:    trivia.TierCategory,
			ID:      name,
			Legacy:  true,
		}, true
	}
	return Components{}, false
}

func parseCanonical(name string) (Components, bool) {
	const head = Prefix + "_" + Version + "_"
	if len(name) > maxNameLen || !strings.HasPrefix(name, head) {
		return Components{}, false
	}
	rest := strings.TrimPrefix(name, head)

	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return Components{}, false
	}
	body, id := rest[:i], rest[i+1:]
	if !hexIDRe.MatchString(id) {
		return Components{}, false
	}

	c := Components{Prefix: Prefix, Version: Version, ID: id}
	parts := strings.Split(body, "_")
	switch {
	case len(parts) == 1 && parts[0] == "MAST":
		c.Tier = trivia.TierMasterUltimate
	case len(parts) == 2 && parts[1] == "REG" && ValidCategoryCode(parts[0]):
		c.Tier = trivia.TierCategory
		c.CategoryCode = parts[0]
	case len(parts) == 2 && parts[1] == "ULT" && ValidCategoryCode(parts[0]):
		c.Tier = trivia.TierCategoryUltimate
		c.CategoryCode = parts[0]
	case len(parts) == 3 && parts[0] == "SEAS" && parts[2] == "ULT":
		if _, err := ParseSeasonCode(parts[1]); err != nil {
			return Components{}, false
		}
		c.Tier = trivia.TierSeasonalUltimate
		c.SeasonCode = parts[1]
	default:
		return Components{}, false
	}
	return c, true
}

// Validate reports whether name is readable in either the canonical or the
// legacy form.
func Validate(name string) bool {
	_, ok := Parse(name)
	return ok
}

// GenerateHexID draws an 8-character lowercase hex id from rng.
func GenerateHexID(rng trivia.RNG) (string, error) {
	buf := make([]byte, hexIDLen/2)
	if _, err := rng.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

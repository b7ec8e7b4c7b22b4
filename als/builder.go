// Package als renders ambient-location-signal blocks: short civic-context
// text a model can use for implicit locale inference. Rendering is pure and
// deterministic; only the block hash and bookkeeping fields survive into
// telemetry.
package als

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/modelrelay/relay/core"
)

// MaxNFCLength is the hard ceiling on the NFC-normalized character count of
// a rendered block.
const MaxNFCLength = 350

// Input describes one render. Given identical (CountryCode, Now,
// PhraseIndex, IncludeWeatherHint) the output is byte-identical.
type Input struct {
	CountryCode string
	// Now anchors the local-datetime line; the zero value means time.Now()
	// and forfeits determinism.
	Now time.Time
	// PhraseIndex selects the rotating civic phrase; nil means index 0.
	PhraseIndex *int
	// TZOverride substitutes the locale's IANA timezone.
	TZOverride string
	// IncludeWeatherHint adds the optional fifth line.
	IncludeWeatherHint bool
}

// Builder renders ALS blocks from the static locale tables.
type Builder struct {
	logger core.Logger
}

// NewBuilder validates the locale tables and returns a builder.
func NewBuilder(logger core.Logger) (*Builder, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if err := validateLocales(); err != nil {
		return nil, fmt.Errorf("ALS locale table rejected: %w: %v", core.ErrValidation, err)
	}
	return &Builder{logger: logger}, nil
}

// Build renders the block for the given input. The result is 3-5 lines and
// at most MaxNFCLength NFC characters; on overflow it applies the recovery
// ladder (drop weather, neutral header) and fails with ErrALSOverflow only
// when both steps were insufficient.
func (b *Builder) Build(in Input) (*core.ALSBlock, error) {
	spec, ok := locales[strings.ToUpper(in.CountryCode)]
	if !ok {
		return nil, fmt.Errorf("country %q: %w", in.CountryCode, core.ErrCountryNotSupported)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	tzName := spec.Timezone
	if in.TZOverride != "" {
		tzName = in.TZOverride
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tzName, core.ErrValidation)
	}

	idx := 0
	if in.PhraseIndex != nil {
		idx = *in.PhraseIndex
	}
	if idx < 0 {
		idx = 0
	}
	phrase := spec.Phrases[idx%len(spec.Phrases)]

	text := render(spec, spec.Header, now.In(loc), phrase, in.IncludeWeatherHint)
	recovery := ""

	// Length recovery ladder: drop weather first, then neutralize the
	// header. Each step is only taken when the previous render overflowed.
	if nfcLength(text) > MaxNFCLength && in.IncludeWeatherHint {
		text = render(spec, spec.Header, now.In(loc), phrase, false)
		recovery = "dropped_weather"
	}
	if nfcLength(text) > MaxNFCLength {
		text = render(spec, neutralHeader, now.In(loc), phrase, false)
		recovery = "neutral_header"
	}
	length := nfcLength(text)
	if length > MaxNFCLength {
		return nil, fmt.Errorf("rendered %d NFC chars for %s: %w", length, spec.CountryCode, core.ErrALSOverflow)
	}

	sum := sha256.Sum256([]byte(text))
	block := &core.ALSBlock{
		CountryCode:  spec.CountryCode,
		Locale:       spec.Locale,
		Timezone:     tzName,
		RenderedText: text,
		SHA256:       hex.EncodeToString(sum[:]),
		VariantID:    variantID(spec.CountryCode, idx, now),
		NFCLength:    length,
	}

	b.logger.Debug("ALS block rendered", map[string]interface{}{
		"operation":  "als_render",
		"country":    spec.CountryCode,
		"variant_id": block.VariantID,
		"nfc_length": block.NFCLength,
		"recovery":   recovery,
	})
	return block, nil
}

// render assembles the block lines. Header, then bullets: local datetime
// with UTC offset, civic keyword + phrase, formatting example, optional
// weather hint.
func render(spec localeSpec, header string, local time.Time, phrase string, weather bool) string {
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n- ")
	sb.WriteString(spec.TimeLabel)
	sb.WriteString(": ")
	sb.WriteString(local.Format("2006-01-02 15:04"))
	sb.WriteString(" (UTC")
	sb.WriteString(utcOffset(local))
	sb.WriteString(")\n- ")
	sb.WriteString(spec.CivicKeyword)
	sb.WriteString(": ")
	sb.WriteString(phrase)
	sb.WriteString("\n- ")
	sb.WriteString(spec.FormatExample)
	if weather && spec.WeatherHint != "" {
		sb.WriteString("\n- ")
		sb.WriteString(spec.WeatherHint)
	}
	return sb.String()
}

// utcOffset formats the zone offset as +02:00 / -05:30.
func utcOffset(t time.Time) string {
	_, secs := t.Zone()
	sign := "+"
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	return fmt.Sprintf("%s%02d:%02d", sign, secs/3600, (secs%3600)/60)
}

// variantID is deterministic for a given country, phrase index and day.
func variantID(countryCode string, idx int, now time.Time) string {
	return fmt.Sprintf("als_%s_%d_%s", strings.ToLower(countryCode), idx, now.UTC().Format("20060102"))
}

// nfcLength counts characters after Unicode NFC normalization.
func nfcLength(s string) int {
	return utf8.RuneCountInString(norm.NFC.String(s))
}

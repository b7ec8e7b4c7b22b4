package als

import (
	"fmt"
	"strings"

	// Embed tzdata so local-time rendering is deterministic regardless of
	// the host's zoneinfo installation.
	_ "time/tzdata"
)

// localeSpec holds the civic-context data for one country. All text is
// static data: the builder never fetches anything.
type localeSpec struct {
	CountryCode string
	Locale      string
	Timezone    string

	// Header is the do-not-cite disclaimer in the country's primary
	// language.
	Header string

	// TimeLabel prefixes the local-datetime bullet.
	TimeLabel string

	// CivicKeyword names a civic institution; one of Phrases rotates in
	// next to it, selected by the caller's phrase index.
	CivicKeyword string
	Phrases      []string

	// FormatExample is a single line demonstrating postal, phone and
	// currency formatting.
	FormatExample string

	// WeatherHint is an optional fifth line, neutral phrasing only.
	WeatherHint string

	// TLD is the country's top-level-domain string; it must not appear
	// anywhere in the rendered block (leak rule).
	TLD string
}

// neutralHeader replaces a language-specific header during length recovery.
const neutralHeader = "Local context: ambient notes for orientation only; do not cite."

// triggerTokens are substrings that typically appear in product or news
// scraping output. Keywords and phrases containing them are rejected at
// construction time so the block can never bias retrieval.
var triggerTokens = []string{
	"http", "www.", "news", "shop", "buy", "sale", "discount", "deal",
	"best ", "review", "offer",
}

var locales = map[string]localeSpec{
	"DE": {
		CountryCode:   "DE",
		Locale:        "de-DE",
		Timezone:      "Europe/Berlin",
		Header:        "Lokaler Kontext: Hinweise nur zur Orientierung, nicht zitieren.",
		TimeLabel:     "Lokale Zeit",
		CivicKeyword:  "Bürgeramt",
		Phrases:       []string{"Anmeldung einer Wohnung", "Reisepass verlängern", "Führungszeugnis beantragen"},
		FormatExample: "10115 Berlin · +49 30 xxx xx xx · 12,90 €",
		WeatherHint:   "Wetter: wechselhaft, Jacke empfohlen",
		TLD:           ".de",
	},
	"CH": {
		CountryCode:   "CH",
		Locale:        "de-CH",
		Timezone:      "Europe/Zurich",
		Header:        "Lokaler Kontext: Hinweise nur zur Orientierung, nicht zitieren.",
		TimeLabel:     "Lokale Zeit",
		CivicKeyword:  "Gemeindeverwaltung",
		Phrases:       []string{"Umzug melden", "Identitätskarte erneuern", "Betreibungsauszug bestellen"},
		FormatExample: "8001 Zürich · +41 44 xxx xx xx · CHF 12.90",
		WeatherHint:   "Wetter: kühl am Morgen, mild am Nachmittag",
		TLD:           ".ch",
	},
	"FR": {
		CountryCode:   "FR",
		Locale:        "fr-FR",
		Timezone:      "Europe/Paris",
		Header:        "Contexte local : repères donnés à titre indicatif, ne pas citer.",
		TimeLabel:     "Heure locale",
		CivicKeyword:  "Mairie",
		Phrases:       []string{"carte d'identité, renouvellement", "inscription sur les listes électorales", "acte de naissance, demande"},
		FormatExample: "75001 Paris · +33 1 xx xx xx xx · 12,90 €",
		WeatherHint:   "Météo : passages nuageux, prévoir une veste",
		TLD:           ".fr",
	},
	"IT": {
		CountryCode:   "IT",
		Locale:        "it-IT",
		Timezone:      "Europe/Rome",
		Header:        "Contesto locale: indicazioni di orientamento, da non citare.",
		TimeLabel:     "Ora locale",
		CivicKeyword:  "Anagrafe",
		Phrases:       []string{"cambio di residenza", "rinnovo carta d'identità", "certificato di nascita"},
		FormatExample: "00184 Roma · +39 06 xxx xx xx · 12,90 €",
		WeatherHint:   "Meteo: variabile, consigliata una giacca",
		TLD:           ".it",
	},
	"GB": {
		CountryCode:   "GB",
		Locale:        "en-GB",
		Timezone:      "Europe/London",
		Header:        "Local context: ambient notes for orientation only; do not cite.",
		TimeLabel:     "Local time",
		CivicKeyword:  "Council services",
		Phrases:       []string{"council tax band enquiry", "register to vote", "passport renewal appointment"},
		FormatExample: "SW1A 1AA London · +44 20 xxxx xxxx · £12.90",
		WeatherHint:   "Weather: changeable, light jacket suggested",
		TLD:           ".uk",
	},
	"US": {
		CountryCode:   "US",
		Locale:        "en-US",
		Timezone:      "America/New_York",
		Header:        "Local context: ambient notes for orientation only; do not cite.",
		TimeLabel:     "Local time",
		CivicKeyword:  "DMV",
		Phrases:       []string{"driver's license renewal", "REAL ID appointment", "vehicle registration"},
		FormatExample: "10001 New York, NY · +1 (212) xxx-xxxx · $12.90",
		WeatherHint:   "Weather: variable, light layers suggested",
		TLD:           ".us",
	},
	"AE": {
		CountryCode:   "AE",
		Locale:        "ar-AE",
		Timezone:      "Asia/Dubai",
		Header:        "السياق المحلي: ملاحظات للتوجيه فقط، لا تُقتبس.",
		TimeLabel:     "التوقيت المحلي",
		CivicKeyword:  "الخدمات الحكومية",
		Phrases:       []string{"تجديد بطاقة الهوية", "تجديد رخصة القيادة", "تصديق الشهادات"},
		FormatExample: "دبي ٠٠٠٠٠ · ‎+971 4 xxx xxxx · 12.90 د.إ",
		WeatherHint:   "الطقس: مشمس وحار، يُنصح بالماء",
		TLD:           ".ae",
	},
	"SG": {
		CountryCode:   "SG",
		Locale:        "en-SG",
		Timezone:      "Asia/Singapore",
		Header:        "Local context: ambient notes for orientation only; do not cite.",
		TimeLabel:     "Local time",
		CivicKeyword:  "SingPass services",
		Phrases:       []string{"HDB appointment booking", "CPF statement request", "NRIC replacement"},
		FormatExample: "Singapore 018956 · +65 6xxx xxxx · S$12.90",
		WeatherHint:   "Weather: humid, afternoon showers possible",
		TLD:           ".sg",
	},
}

// validateLocales enforces the leak rule over the static tables: no TLD
// strings, no URLs, no scraping trigger tokens in keyword or phrases.
func validateLocales() error {
	for cc, spec := range locales {
		all := []string{spec.Header, spec.TimeLabel, spec.CivicKeyword, spec.FormatExample, spec.WeatherHint}
		all = append(all, spec.Phrases...)
		for _, text := range all {
			lower := strings.ToLower(text)
			if spec.TLD != "" && strings.Contains(lower, spec.TLD) {
				return fmt.Errorf("locale %s: text %q contains TLD %q", cc, text, spec.TLD)
			}
		}
		for _, text := range append([]string{spec.CivicKeyword}, spec.Phrases...) {
			lower := strings.ToLower(text)
			for _, tok := range triggerTokens {
				if strings.Contains(lower, tok) {
					return fmt.Errorf("locale %s: text %q contains trigger token %q", cc, text, tok)
				}
			}
		}
		if len(spec.Phrases) == 0 {
			return fmt.Errorf("locale %s: no civic phrases", cc)
		}
	}
	return nil
}

// SupportedCountries lists the country codes the builder can render.
func SupportedCountries() []string {
	out := make([]string, 0, len(locales))
	for cc := range locales {
		out = append(out, cc)
	}
	return out
}

// Supported reports whether the country has a locale table.
func Supported(countryCode string) bool {
	_, ok := locales[strings.ToUpper(countryCode)]
	return ok
}

package translation

import "strings"

// displayNames maps language codes to the names used in the system instruction
var displayNames = map[string]string{
	"en":    "English",
	"en-US": "English (United States)",
	"en-GB": "English (United Kingdom)",
	"en-AU": "English (Australia)",
	"en-IN": "English (India)",
	"fr":    "French",
	"fr-FR": "French (France)",
	"fr-BE": "French (Belgium)",
	"fr-CA": "French (Canada)",
	"fr-CH": "French (Switzerland)",
	"nl":    "Dutch",
	"nl-NL": "Dutch (Netherlands)",
	"nl-BE": "Flemish (Belgium)",

	// Belgian regional varieties
	"vls-BE": "West Flemish (Belgium)",
	"zea-BE": "Zeelandic (Belgium)",
	"lim-BE": "Limburgish (Belgium)",
	"wa-BE":  "Walloon (Belgium)",

	"de":    "German",
	"de-DE": "German (Germany)",
	"de-AT": "German (Austria)",
	"de-CH": "German (Switzerland)",
	"de-BE": "German (Belgium)",
	"es":    "Spanish",
	"es-ES": "Spanish (Spain)",
	"es-MX": "Spanish (Mexico)",
	"es-AR": "Spanish (Argentina)",
	"pt":    "Portuguese",
	"pt-PT": "Portuguese (Portugal)",
	"pt-BR": "Portuguese (Brazil)",
	"it":    "Italian",
	"pl":    "Polish",
	"uk":    "Ukrainian",
	"ru":    "Russian",
	"tr":    "Turkish",
	"ar":    "Arabic",
	"hi":    "Hindi",
	"ja":    "Japanese",
	"ko":    "Korean",
	"zh":    "Chinese",
	"zh-CN": "Chinese (Simplified)",
	"zh-TW": "Chinese (Traditional)",
	"tl":    "Tagalog",
}

// DisplayName returns the human-readable name for a language code.
// Unknown codes are returned unchanged.
func DisplayName(code string) string {
	if name, ok := displayNames[code]; ok {
		return name
	}
	return code
}

// InstructionFor renders the system instruction for a language pair.
// An empty source means the speaker's language is auto-detected.
func InstructionFor(source, target string) string {
	var b strings.Builder
	b.WriteString("You are a professional interpreter in a live conversation. ")
	if source == "" {
		b.WriteString("Translate the user's speech into ")
		b.WriteString(DisplayName(target))
	} else {
		b.WriteString("Translate the user's speech from ")
		b.WriteString(DisplayName(source))
		b.WriteString(" to ")
		b.WriteString(DisplayName(target))
	}
	b.WriteString(". Respond only with the translation. Do not add commentary or quotation marks.")
	return b.String()
}

package turnflow

import "strings"

// cityToLocation maps DFW-area service cities to the branch that covers
// them. Lookups are case-insensitive on the whole utterance so "I'm in
// Euless" still matches.
var cityToLocation = map[string]string{
	"dallas":     "DAL",
	"plano":      "DAL",
	"richardson": "DAL",
	"garland":    "DAL",
	"irving":     "DAL",
	"mesquite":   "DAL",
	"frisco":     "DAL",
	"addison":    "DAL",
	"carrollton": "DAL",

	"fort worth": "FTW",
	"euless":     "FTW",
	"bedford":    "FTW",
	"hurst":      "FTW",
	"arlington":  "FTW",
	"grapevine":  "FTW",
	"keller":     "FTW",
	"saginaw":    "FTW",
	"haltom":     "FTW",
}

// LocationForCity resolves a spoken city to a location code.
func LocationForCity(speech string) (string, bool) {
	s := strings.ToLower(speech)
	for city, code := range cityToLocation {
		if strings.Contains(s, city) {
			return code, true
		}
	}
	return "", false
}

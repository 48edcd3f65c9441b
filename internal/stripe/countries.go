package stripe

// ShippingCountries is the set of countries checkout will collect a
// shipping address for. Print distribution covers Ireland, the UK,
// Europe, and the larger English-speaking markets.
var ShippingCountries = []string{
	"IE", "GB",
	"AT", "BE", "BG", "HR", "CY", "CZ", "DK", "EE", "FI", "FR",
	"DE", "GR", "HU", "IS", "IT", "LV", "LT", "LU", "MT", "NL",
	"NO", "PL", "PT", "RO", "SK", "SI", "ES", "SE", "CH",
	"US", "CA", "AU", "NZ", "JP", "SG", "HK", "ZA",
}

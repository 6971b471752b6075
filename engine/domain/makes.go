package domain

import "strings"

// makeAliases maps spellings seen on provider sites to canonical make names.
var makeAliases = map[string]string{
	"toyota":        "Toyota",
	"suzuki":        "Suzuki",
	"lexus":         "Lexus",
	"vw":            "Volkswagen",
	"volkswagen":    "Volkswagen",
	"mercedes":      "Mercedes-Benz",
	"mercedes-benz": "Mercedes-Benz",
	"benz":          "Mercedes-Benz",
	"bmw":           "BMW",
	"audi":          "Audi",
	"skoda":         "Skoda",
	"škoda":         "Skoda",
	"seat":          "Seat",
	"cupra":         "Cupra",
	"peugeot":       "Peugeot",
	"citroen":       "Citroën",
	"citroën":       "Citroën",
	"renault":       "Renault",
	"dacia":         "Dacia",
	"opel":          "Opel",
	"fiat":          "Fiat",
	"alfa romeo":    "Alfa Romeo",
	"alfa-romeo":    "Alfa Romeo",
	"jeep":          "Jeep",
	"kia":           "Kia",
	"hyundai":       "Hyundai",
	"nissan":        "Nissan",
	"mazda":         "Mazda",
	"volvo":         "Volvo",
	"polestar":      "Polestar",
	"tesla":         "Tesla",
	"mg":            "MG",
	"byd":           "BYD",
	"mini":          "Mini",
	"ford":          "Ford",
	"honda":         "Honda",
	"mitsubishi":    "Mitsubishi",
	"subaru":        "Subaru",
}

// CanonicalMake returns the canonical spelling of a make name. Unknown makes
// are returned trimmed with inner whitespace collapsed.
func CanonicalMake(name string) string {
	clean := strings.Join(strings.Fields(name), " ")
	if c, ok := makeAliases[strings.ToLower(clean)]; ok {
		return c
	}
	return clean
}

// ProviderDefaults holds the static facts about a known provider.
type ProviderDefaults struct {
	Country  string
	Currency string
	// Brands lists the makes a brand-specific site carries; nil for
	// multi-brand lessors.
	Brands []string
}

// KnownProviders is the fixed provider table.
var KnownProviders = map[Provider]ProviderDefaults{
	ProviderToyotaNL: {Country: "NL", Currency: "EUR", Brands: []string{"Toyota"}},
	ProviderSuzukiNL: {Country: "NL", Currency: "EUR", Brands: []string{"Suzuki"}},
	ProviderAyvensNL: {Country: "NL", Currency: "EUR"},
	ProviderLeasysNL: {Country: "NL", Currency: "EUR"},
	ProviderToyotaDE: {Country: "DE", Currency: "EUR", Brands: []string{"Toyota"}},
	ProviderToyotaBE: {Country: "BE", Currency: "EUR", Brands: []string{"Toyota"}},
}

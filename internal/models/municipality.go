package models

// Municipality is an inspection area the operator can attribute a capture to.
type Municipality struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Region      string `json:"region" yaml:"region"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// DefaultMunicipalities is the built-in catalog. The first entry is the default.
func DefaultMunicipalities() []Municipality {
	return []Municipality{
		{ID: "demo-miami", Name: "Miami", Region: "South Florida", Description: "Miami-Dade County coastal areas"},
		{ID: "demo-hallandale", Name: "Hallandale Beach", Region: "South Florida", Description: "Broward County beachfront"},
		{ID: "demo-key-biscayne", Name: "Key Biscayne", Region: "South Florida", Description: "Island municipality"},
		{ID: "demo-fort-lauderdale", Name: "Fort Lauderdale", Region: "South Florida", Description: "Venice of America"},
		{ID: "demo-miami-beach", Name: "Miami Beach", Region: "South Florida", Description: "Art Deco Historic District"},
		{ID: "demo-coral-gables", Name: "Coral Gables", Region: "South Florida", Description: "The City Beautiful"},
	}
}

package models

// PrivacySettings is consumed once per "apply privacy settings" call and
// fanned out to every enabled network.
type PrivacySettings struct {
	ConsentFields
	EnabledNetworks []string `json:"enabled_networks"`
}

package descriptor

// AvailabilityData is one reachability check result reported by a client.
type AvailabilityData struct {
	Listen  string `json:"listen"`
	Country string `json:"country"`
	ASN     string `json:"asn"`
	Success bool   `json:"success"`
}

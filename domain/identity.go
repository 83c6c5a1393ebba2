package domain

// Identity is the verified subject carried by a bearer credential.
// Credential issuance and password storage live in the external identity
// provider; the hub only ever handles the opaque ID and display fields.
type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Display resolves the name shown next to messages.
func (i Identity) Display() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Username
}

package models

// Profile is the summary of a user shown next to messages and in conversation lists.
type Profile struct {
	ID          string `json:"id" db:"id"`
	DisplayName string `json:"display_name" db:"display_name"`
	Username    string `json:"username" db:"username"`
	AvatarURL   string `json:"avatar_url" db:"avatar_url"`
}

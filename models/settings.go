package models

import "strings"

// UserProfile holds the medical and contact details shared with every alert.
type UserProfile struct {
	BloodType             string `json:"bloodType,omitempty"`
	Allergies             string `json:"allergies,omitempty"`
	MedicalConditions     string `json:"medicalConditions,omitempty"`
	EmergencyContactName  string `json:"emergencyContactName,omitempty"`
	EmergencyContactPhone string `json:"emergencyContactPhone,omitempty"`
	ContinuousMedication  string `json:"continuousMedication,omitempty"`
	Observations          string `json:"observations,omitempty"`
	AvatarURI             string `json:"avatarUri,omitempty"`
}

// IsZero reports whether no profile field is set.
func (p UserProfile) IsZero() bool {
	return p == UserProfile{}
}

// Settings are the local user preferences.
type Settings struct {
	Nickname string      `json:"nickname"`
	DarkMode bool        `json:"dark_mode"`
	Profile  UserProfile `json:"profile"`
}

// DisplayName returns the nickname, or fallback when none is set.
func (s Settings) DisplayName(fallback string) string {
	if name := strings.TrimSpace(s.Nickname); name != "" {
		return name
	}
	return fallback
}

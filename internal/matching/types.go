package matching

import (
	"fmt"
	"time"
)

type Subject string

const (
	SubjectMathematics Subject = "mathematics"
	SubjectPhysics     Subject = "physics"
	SubjectChemistry   Subject = "chemistry"
	SubjectBiology     Subject = "biology"
	SubjectComputerSci Subject = "computer-science"
	SubjectLiterature  Subject = "literature"
	SubjectHistory     Subject = "history"
	SubjectGeneral     Subject = "general"
)

type Mood string

const (
	MoodFocus    Mood = "focus"
	MoodChill    Mood = "chill"
	MoodBalanced Mood = "balanced"
)

type PartnerType string

const (
	PartnerAny    PartnerType = "any"
	PartnerMale   PartnerType = "male"
	PartnerFemale PartnerType = "female"
)

var (
	validSubjects = map[Subject]bool{
		SubjectMathematics: true, SubjectPhysics: true, SubjectChemistry: true,
		SubjectBiology: true, SubjectComputerSci: true, SubjectLiterature: true,
		SubjectHistory: true, SubjectGeneral: true,
	}
	validMoods    = map[Mood]bool{MoodFocus: true, MoodChill: true, MoodBalanced: true}
	validPartners = map[PartnerType]bool{PartnerAny: true, PartnerMale: true, PartnerFemale: true}
)

// Preferences is a user's matching request vector. Immutable once
// submitted; changing it requires a fresh request.
type Preferences struct {
	Subject     Subject     `json:"subject"`
	Mood        Mood        `json:"mood"`
	PartnerType PartnerType `json:"partnerType"`
}

func (p Preferences) Validate() error {
	if !validSubjects[p.Subject] {
		return fmt.Errorf("unknown subject %q", p.Subject)
	}
	if !validMoods[p.Mood] {
		return fmt.Errorf("unknown mood %q", p.Mood)
	}
	if !validPartners[p.PartnerType] {
		return fmt.Errorf("unknown partner type %q", p.PartnerType)
	}
	return nil
}

// Entry is one waiting user.
type Entry struct {
	UserID      string
	DisplayName string
	Prefs       Preferences
	EnqueuedAt  time.Time
}

package core

// ChallengeKind identifies a liveness gesture
type ChallengeKind string

const (
	ChallengeTurnLeft  ChallengeKind = "turn_left"
	ChallengeTurnRight ChallengeKind = "turn_right"
	ChallengeLookUp    ChallengeKind = "look_up"
	ChallengeLookDown  ChallengeKind = "look_down"
	ChallengeNodYes    ChallengeKind = "nod_yes"
	ChallengeShakeNo   ChallengeKind = "shake_no"
)

// IsGesture reports whether the challenge is a compound gesture (two poses) rather than a held pose
func (k ChallengeKind) IsGesture() bool {
	return k == ChallengeNodYes || k == ChallengeShakeNo
}

// Valid reports whether k is a known challenge kind
func (k ChallengeKind) Valid() bool {
	switch k {
	case ChallengeTurnLeft, ChallengeTurnRight, ChallengeLookUp, ChallengeLookDown, ChallengeNodYes, ChallengeShakeNo:
		return true
	}
	return false
}

// Instruction returns the prompt shown to the user for the challenge
func (k ChallengeKind) Instruction() string {
	switch k {
	case ChallengeTurnLeft:
		return "Turn your head left slowly until you hear a beep. Hold for a second beep."
	case ChallengeTurnRight:
		return "Turn your head right slowly until you hear a beep. Hold for a second beep."
	case ChallengeLookUp:
		return "Look up slowly until you hear a beep. Hold for the second beep."
	case ChallengeLookDown:
		return "Look down slowly until you hear a beep. Hold for the second beep."
	case ChallengeNodYes:
		return "Nod your head 'yes' until you hear two beeps."
	case ChallengeShakeNo:
		return "Shake your head 'no' until you hear two beeps."
	}
	return string(k)
}

// ChallengeResult is the outcome of a single challenge after all of its attempts
type ChallengeResult struct {
	Kind   ChallengeKind `json:"type"`
	Passed bool          `json:"passed"`
	Score  float64       `json:"score"`
}

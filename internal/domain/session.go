package domain

type (
	SessionID string
	TaskID    string
	ParentID  string
)

type Status string

const (
	StatusVoting    Status = "voting"
	StatusRevealed  Status = "revealed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation of a session is permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Unit string

const (
	UnitStoryPoints Unit = "story_points"
	UnitHours       Unit = "hours"
)

func ValidUnit(u Unit) bool {
	return u == UnitStoryPoints || u == UnitHours
}

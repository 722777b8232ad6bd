package attendance

import (
	"time"

	"github.com/google/uuid"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
	RoleParent  Role = "parent"
	RoleOther   Role = "other"
)

// Allowed reports whether r is in the allowed set.
func (r Role) Allowed(allowed ...Role) bool {
	for _, a := range allowed {
		if r == a {
			return true
		}
	}
	return false
}

// User is an account eligible for attendance, or staff operating on it.
type User struct {
	ID             uuid.UUID  `json:"id"`
	Email          string     `json:"email"`
	Name           *string    `json:"name,omitempty"`
	CollegeID      *string    `json:"college_id,omitempty"`
	Role           Role       `json:"role"`
	BatchID        *int64     `json:"batch_id,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	ProfilePicture *string    `json:"profile_picture,omitempty"`
	FaceEnrolledAt *time.Time `json:"face_enrolled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Location returns the user's last known position, or ok=false when either
// coordinate is missing.
func (u *User) Location() (Point, bool) {
	if u.Latitude == nil || u.Longitude == nil {
		return Point{}, false
	}
	return Point{Lat: *u.Latitude, Lon: *u.Longitude}, true
}

// Window is one attendance period for a batch+subject pair. StartedAt is nil
// until the window is first activated.
type Window struct {
	ID               uuid.UUID     `json:"id"`
	BatchID          int64         `json:"batch_id"`
	SubjectID        int64         `json:"subject_id"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	Duration         time.Duration `json:"duration_seconds"`
	Active           bool          `json:"is_active"`
	LastInteractedBy *uuid.UUID    `json:"last_interacted_by,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Status values for an attendance record.
const (
	StatusPresent       = "P"
	StatusAbsent        = "A"
	StatusNotApplicable = "NA"
)

// Record is one attendance outcome, unique per (user, window, date).
type Record struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	WindowID  uuid.UUID `json:"window_id"`
	Date      time.Time `json:"date"`
	Status    string    `json:"status"`
	MarkedBy  uuid.UUID `json:"marked_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VerificationEvent is the queue payload emitted after a successful verify;
// the worker turns it into an audit row.
type VerificationEvent struct {
	RecordID uuid.UUID `json:"record_id"`
	Created  bool      `json:"created"`
}

// Subject is a taught topic bound to a batch.
type Subject struct {
	ID        int64      `json:"id"`
	BatchID   int64      `json:"batch_id"`
	FacultyID *uuid.UUID `json:"faculty_id,omitempty"`
	Name      string     `json:"name"`
	Code      string     `json:"code"`
	CreatedAt time.Time  `json:"created_at"`
}

// Batch is a cohort of students.
type Batch struct {
	ID        int64     `json:"id"`
	Name      *string   `json:"name,omitempty"`
	Code      *string   `json:"code,omitempty"`
	StartYear *int      `json:"start_year,omitempty"`
	EndYear   *int      `json:"end_year,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

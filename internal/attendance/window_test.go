package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateOpen(t *testing.T) {
	t0 := time.Date(2024, 3, 11, 10, 0, 0, 0, time.UTC)
	active := func(started time.Time, d time.Duration) *Window {
		return &Window{StartedAt: &started, Duration: d, Active: true}
	}

	tests := []struct {
		name        string
		w           *Window
		now         time.Time
		wantOpen    bool
		wantExpired bool
	}{
		{"nil window", nil, t0, false, false},
		{"never activated", &Window{Active: true, Duration: 300 * time.Second}, t0, false, false},
		{"inactive flag", &Window{StartedAt: &t0, Duration: 300 * time.Second}, t0, false, false},
		{"at activation", active(t0, 300*time.Second), t0, true, false},
		{"mid window", active(t0, 300*time.Second), t0.Add(4 * time.Minute), true, false},
		{"at boundary instant", active(t0, 300*time.Second), t0.Add(300 * time.Second), true, false},
		{"just past boundary", active(t0, 300*time.Second), t0.Add(300*time.Second + time.Nanosecond), false, true},
		{"long past boundary", active(t0, 300*time.Second), t0.Add(time.Hour), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, expired := EvaluateOpen(tt.w, tt.now)
			assert.Equal(t, tt.wantOpen, open, "open")
			assert.Equal(t, tt.wantExpired, expired, "expired")
		})
	}
}

func TestRoleAllowed(t *testing.T) {
	assert.True(t, RoleStudent.Allowed(RoleStudent, RoleTeacher, RoleAdmin))
	assert.True(t, RoleAdmin.Allowed(RoleTeacher, RoleAdmin))
	assert.False(t, RoleParent.Allowed(RoleStudent, RoleTeacher, RoleAdmin))
	assert.False(t, RoleOther.Allowed(RoleTeacher, RoleAdmin))
	assert.False(t, RoleStudent.Allowed())
}

func TestUserLocation(t *testing.T) {
	lat, lon := 25.6, 85.1
	u := &User{Latitude: &lat, Longitude: &lon}
	p, ok := u.Location()
	assert.True(t, ok)
	assert.Equal(t, Point{Lat: 25.6, Lon: 85.1}, p)

	_, ok = (&User{Latitude: &lat}).Location()
	assert.False(t, ok)
	_, ok = (&User{}).Location()
	assert.False(t, ok)
}

// Package session holds the tutoring session model and the client-side cache
// of the last fetched session lists.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a booked session. The server is the
// authority; the client mirrors it.
type Status int

const (
	StatusUnknown Status = iota
	Scheduled
	Completed
	Cancelled
)

var statusNames = map[Status]string{
	StatusUnknown: "",
	Scheduled:     "Scheduled",
	Completed:     "Completed",
	Cancelled:     "Cancelled",
}

var statusFromName = map[string]Status{
	"scheduled": Scheduled,
	"active":    Scheduled,
	"completed": Completed,
	"cancelled": Cancelled,
	"canceled":  Cancelled,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok && n != "" {
		return n
	}
	return "unknown"
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(statusNames[s])
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = statusFromName[strings.ToLower(strings.TrimSpace(name))]
	return nil
}

// ID is a server-assigned identifier. The API sends ids either as JSON numbers
// or strings; both decode to the same textual form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes numeric ids back as numbers so they round-trip in the
// form the server sent them.
func (id ID) MarshalJSON() ([]byte, error) {
	if isNumeric(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

func isNumeric(s string) bool {
	digits := strings.TrimPrefix(s, "-")
	if digits == "" || len(digits) > 18 {
		return false
	}
	if digits[0] == '0' && len(digits) > 1 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Session is one booked tutoring engagement as returned by the sessions API.
type Session struct {
	SessionID        ID     `json:"sessionId"`
	SlotID           ID     `json:"slotId"`
	Status           Status `json:"status"`
	CourseName       string `json:"courseName"`
	Grade            string `json:"grade"`
	CounterpartyName string `json:"fullName"`
	Date             string `json:"date"`
	StartTime        string `json:"startTime"`
	EndTime          string `json:"endTime"`
	Location         string `json:"location"`
	Image            string `json:"image,omitempty"`
}

// Bucket is one of the status-partitioned session lists.
type Bucket int

const (
	BucketActive Bucket = iota
	BucketCancelled
	BucketCompleted
)

// Buckets lists every bucket in tab order.
var Buckets = []Bucket{BucketActive, BucketCancelled, BucketCompleted}

func (b Bucket) String() string {
	switch b {
	case BucketActive:
		return "active"
	case BucketCancelled:
		return "cancelled"
	case BucketCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Title is the tab label.
func (b Bucket) Title() string {
	switch b {
	case BucketActive:
		return "Active"
	case BucketCancelled:
		return "Cancelled"
	case BucketCompleted:
		return "Completed"
	default:
		return "?"
	}
}

// Endpoint is the path segment under /api/sessions/ serving this bucket.
func (b Bucket) Endpoint() string {
	switch b {
	case BucketCancelled:
		return "cancelledSessions"
	case BucketCompleted:
		return "completedSessions"
	default:
		return "activeSessions"
	}
}

// Status is the lifecycle state implied by membership in the bucket.
func (b Bucket) Status() Status {
	switch b {
	case BucketCancelled:
		return Cancelled
	case BucketCompleted:
		return Completed
	default:
		return Scheduled
	}
}

// BucketFor returns the bucket holding sessions in status s.
func BucketFor(s Status) Bucket {
	switch s {
	case Cancelled:
		return BucketCancelled
	case Completed:
		return BucketCompleted
	default:
		return BucketActive
	}
}

// Role is the viewer's side of the marketplace. It decides whose name the
// counterparty field carries.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// ParseRole accepts "student" or "teacher" in any case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleStudent:
		return RoleStudent, nil
	case RoleTeacher:
		return RoleTeacher, nil
	}
	return "", fmt.Errorf("unknown role %q (want student or teacher)", s)
}

// CounterpartyLabel names the other party from this role's point of view.
func (r Role) CounterpartyLabel() string {
	if r == RoleTeacher {
		return "Student"
	}
	return "Teacher"
}

// Key addresses one cached list.
type Key struct {
	Role   Role
	Bucket Bucket
}

func (k Key) String() string {
	return string(k.Role) + "/" + k.Bucket.String()
}

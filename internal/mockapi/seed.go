package mockapi

import (
	"time"

	"github.com/tutorlink/tui/internal/session"
)

type seedDef struct {
	id, slot      string
	course, grade string
	counterparty  string
	dayOffset     int
	start, end    string
	location      string
	status        session.Status
}

var seedDefs = []seedDef{
	{"101", "9001", "Algebra II", "10", "Maya Okafor", 1, "15:00", "16:00", "Online", session.Scheduled},
	{"102", "9002", "Chemistry", "11", "Jonas Weber", 2, "09:30", "10:30", "Library room 3", session.Scheduled},
	{"103", "9003", "English Literature", "9", "Priya Raman", 3, "17:00", "18:00", "Online", session.Scheduled},
	{"104", "9004", "Physics", "12", "Tomás Silva", 5, "11:00", "12:30", "Science block B", session.Scheduled},
	{"95", "8995", "Geometry", "8", "Lena Fischer", -4, "14:00", "15:00", "Online", session.Cancelled},
	{"96", "8996", "Biology", "10", "Ahmed Nasser", -2, "16:00", "17:00", "Online", session.Cancelled},
	{"90", "8990", "Calculus", "12", "Grace Kim", -9, "10:00", "11:30", "Online", session.Completed},
	{"91", "8991", "History", "11", "Oliver Brown", -7, "13:00", "14:00", "Room 204", session.Completed},
	{"92", "8992", "Spanish", "9", "Sofia Romero", -3, "18:00", "19:00", "Online", session.Completed},
}

// SeedSessions returns a demo data set spread around now.
func SeedSessions(now time.Time) []session.Session {
	out := make([]session.Session, 0, len(seedDefs))
	for _, d := range seedDefs {
		out = append(out, session.Session{
			SessionID:        session.ID(d.id),
			SlotID:           session.ID(d.slot),
			Status:           d.status,
			CourseName:       d.course,
			Grade:            d.grade,
			CounterpartyName: d.counterparty,
			Date:             now.AddDate(0, 0, d.dayOffset).Format("2006-01-02"),
			StartTime:        d.start,
			EndTime:          d.end,
			Location:         d.location,
		})
	}
	return out
}

// Package topics names every MQTT topic the service reads or writes.
package topics

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
	QoSExactlyOnce byte = 2
)

type Scheme struct {
	Prefix         string
	LegacyStatus   string
	LegacyMessages string
}

func DefaultScheme() Scheme {
	return Scheme{
		Prefix:         "consultease",
		LegacyStatus:   "professor/status",
		LegacyMessages: "professor/messages",
	}
}

func (s Scheme) faculty(facultyID int64, leaf string) string {
	return fmt.Sprintf("%s/faculty/%d/%s", s.Prefix, facultyID, leaf)
}

func (s Scheme) FacultyStatus(facultyID int64) string { return s.faculty(facultyID, "status") }
func (s Scheme) StatusUpdate(facultyID int64) string { return s.faculty(facultyID, "status_update") }
func (s Scheme) Requests(facultyID int64) string { return s.faculty(facultyID, "requests") }
func (s Scheme) Responses(facultyID int64) string { return s.faculty(facultyID, "responses") }
func (s Scheme) Cancellations(facultyID int64) string { return s.faculty(facultyID, "cancellations") }
func (s Scheme) MacStatus(facultyID int64) string { return s.faculty(facultyID, "mac_status") }
func (s Scheme) Heartbeat(facultyID int64) string { return s.faculty(facultyID, "heartbeat") }
func (s Scheme) SystemNotifications() string { return s.Prefix + "/system/notifications" }
func (s Scheme) ConsultationUpdates() string { return s.Prefix + "/ui/consultation_updates" }
func (s Scheme) StudentNotifications(studentID int64) string {
	return fmt.Sprintf("%s/student/%d/notifications", s.Prefix, studentID)
}

// LegacyFacultyStatus is the pre-namespace status topic older dashboards read.
func (s Scheme) LegacyFacultyStatus(facultyID int64) string {
	return fmt.Sprintf("faculty/%d/status", facultyID)
}

// Subscription patterns for inbound device traffic.
func (s Scheme) StatusPattern() string { return s.Prefix + "/faculty/+/status" }
func (s Scheme) MacStatusPattern() string { return s.Prefix + "/faculty/+/mac_status" }
func (s Scheme) HeartbeatPattern() string { return s.Prefix + "/faculty/+/heartbeat" }
func (s Scheme) ResponsesPattern() string { return s.Prefix + "/faculty/+/responses" }

// ParseFacultyID extracts the id segment from a topic of the form
// <prefix>/faculty/{id}/<leaf>.
func (s Scheme) ParseFacultyID(topic string) (int64, error) {
	rest, ok := strings.CutPrefix(topic, s.Prefix+"/faculty/")
	if !ok {
		return 0, fmt.Errorf("topic %q is not a faculty topic", topic)
	}
	idPart, _, ok := strings.Cut(rest, "/")
	if !ok || idPart == "" {
		return 0, fmt.Errorf("topic %q has no faculty id", topic)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("topic %q has invalid faculty id %q", topic, idPart)
	}
	return id, nil
}

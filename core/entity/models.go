package entity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shulehub/shule/core"
)

// Entity kinds
type Kind string

const (
	KindStudent   Kind = "student"
	KindClassRoom Kind = "classroom"
	KindSetting   Kind = "setting"
)

var Kinds = []Kind{KindStudent, KindClassRoom, KindSetting}

var codePrefixes = map[Kind]string{
	KindStudent:   "STU",
	KindClassRoom: "CLS",
	KindSetting:   "SET",
}

func (k Kind) Valid() bool {
	_, ok := codePrefixes[k]
	return ok
}

// FormatCode renders a business code from a per-institute sequence,
// e.g. sequence 6 for a student becomes "STU-006".
func FormatCode(kind Kind, seq int64) string {
	return fmt.Sprintf("%s-%03d", codePrefixes[kind], seq)
}

// CodeSequence parses the sequence back out of a business code.
func CodeSequence(code string) (int64, bool) {
	i := strings.LastIndex(code, "-")
	if i < 0 {
		return 0, false
	}
	seq, err := strconv.ParseInt(code[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Sync states
type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncSynced   SyncState = "synced"
	SyncConflict SyncState = "conflict"
)

// Record is the local envelope around one entity: an internal local key that
// is never reused, an immutable business code, the typed payload as JSON and
// the sync bookkeeping.
type Record struct {
	LocalID     int64           `json:"local_id"`
	Kind        Kind            `json:"kind"`
	Code        string          `json:"code"`
	InstituteID string          `json:"institute_id"`
	Payload     json.RawMessage `json:"payload"`
	SyncState   SyncState       `json:"sync_state"`
	CreatedAt   time.Time       `json:"created_at"` // UTC
	UpdatedAt   time.Time       `json:"updated_at"` // UTC
}

// Student is the payload carried by KindStudent records. Its business code is
// the admission number.
type Student struct {
	Name         string `json:"name" validate:"required"`
	Phone        string `json:"phone" validate:"required,phone10"`
	Email        string `json:"email" validate:"omitempty,email"`
	GuardianName string `json:"guardian_name"`
	ClassCode    string `json:"class_code"`
}

func (s *Student) Validate() error {
	s.Name = core.CleanString(s.Name)
	s.Email = core.CleanString(s.Email, true /* lower */)
	s.Phone = core.CleanPhone(s.Phone)
	return core.Validate.Struct(s)
}

// ClassRoom is the payload carried by KindClassRoom records.
type ClassRoom struct {
	Name    string `json:"name" validate:"required"`
	Level   string `json:"level"`
	Teacher string `json:"teacher"`
}

func (c *ClassRoom) Validate() error {
	c.Name = core.CleanString(c.Name)
	return core.Validate.Struct(c)
}

// AppSetting is a single institute-scoped key/value setting.
type AppSetting struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

func (a *AppSetting) Validate() error {
	a.Key = core.CleanString(a.Key, true /* lower */)
	return core.Validate.Struct(a)
}

// Student decodes the record payload as a Student.
func (r Record) Student() (Student, error) {
	var s Student
	err := json.Unmarshal(r.Payload, &s)
	return s, err
}

// ClassRoom decodes the record payload as a ClassRoom.
func (r Record) ClassRoom() (ClassRoom, error) {
	var c ClassRoom
	err := json.Unmarshal(r.Payload, &c)
	return c, err
}

// Setting decodes the record payload as an AppSetting.
func (r Record) Setting() (AppSetting, error) {
	var a AppSetting
	err := json.Unmarshal(r.Payload, &a)
	return a, err
}

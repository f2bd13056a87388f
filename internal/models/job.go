// Package models defines the persistent document shapes shared by the
// store adapter, the Hub, and the Client.
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// State is the fixed integer encoding of a job's lifecycle position (spec §6).
type State int

const (
	StateNew     State = 0
	StateRunning State = 1
	StateOK      State = 2
	StateFailed  State = 3
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateRunning:
		return "RUNNING"
	case StateOK:
		return "OK"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// sentinelTime is stored in book_time/refresh_time before a job's first claim.
var sentinelTime = time.Unix(0, 0).UTC()

// Job is the canonical job document stored in "<prefix>.jobs".
type Job struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	State       State              `bson:"state"`
	Spec        bson.Raw           `bson:"spec,omitempty"`
	Result      bson.Raw           `bson:"result,omitempty"`
	Timeout     int64              `bson:"timeout,omitempty"` // seconds; 0 means no deadline
	ExpKey      string             `bson:"exp_key,omitempty"`
	CreateTime  time.Time          `bson:"create_time"`
	BookTime    time.Time          `bson:"book_time"`
	RefreshTime time.Time          `bson:"refresh_time"`
	FinishTime  time.Time          `bson:"finish_time,omitempty"`
	Owner       string             `bson:"owner,omitempty"`
	NFailed     int                `bson:"nfailed"`
	Version     int64              `bson:"version"`
}

// HasSentinelBookTime reports whether book_time is still the pre-claim placeholder (I1/I4).
func (j *Job) HasSentinelBookTime() bool {
	return j.BookTime.IsZero() || j.BookTime.Equal(sentinelTime)
}

// SentinelTime returns the placeholder timestamp used for book_time/refresh_time
// on NEW jobs and on jobs rewound to NEW by the Hub sweep.
func SentinelTime() time.Time { return sentinelTime }

// Deadline returns the moment after which the job is eligible for the
// client-side timeout trip, or the zero Time if the job carries no timeout.
func (j *Job) Deadline() time.Time {
	if j.Timeout <= 0 {
		return time.Time{}
	}
	return j.BookTime.Add(time.Duration(j.Timeout) * time.Second)
}

// LogRecord is one entry in "<prefix>.log", ordered per task by Nr (spec §3).
type LogRecord struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	TaskID    primitive.ObjectID `bson:"taskid"`
	Level     int                `bson:"level"`
	Nr        int                `bson:"nr"`
	Timestamp time.Time          `bson:"timestamp"`
	Msg       bson.Raw           `bson:"msg,omitempty"`
	Filename  string             `bson:"filename,omitempty"`
}

// JobEvent is broadcast over the introspection event hub when a job's
// lifecycle state changes. It is not part of the store's persistent
// schema — purely an in-memory notification for live observers.
type JobEvent struct {
	Type      string    `json:"type"` // "job_queued", "job_claimed", "job_checkpointed", "job_finished"
	JobID     string    `json:"job_id"`
	State     string    `json:"state"`
	Owner     string    `json:"owner,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

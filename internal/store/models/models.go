// Package models holds the persistence types shared by the store backends.
package models

import "time"

// CDR statuses. A record starts Active and ends in exactly one of the
// terminal statuses.
const (
	CDRStatusActive    = "active"
	CDRStatusCompleted = "completed"
	CDRStatusFailed    = "failed"
	CDRStatusBusy      = "busy"
	CDRStatusNoAnswer  = "no_answer"
	CDRStatusCancelled = "cancelled"
	CDRStatusRejected  = "rejected"
)

// Call directions.
const (
	DirectionInternal = "internal"
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// CDR is one call detail record.
type CDR struct {
	ID     string // uuid
	CallID string // SIP Call-ID

	CallerUsername string
	CallerURI      string
	CallerIP       string

	CalleeUsername string
	CalleeURI      string
	CalleeIP       *string

	Direction string

	StartTime  time.Time
	AnswerTime *time.Time
	EndTime    *time.Time

	SetupDuration *int // seconds from start to answer
	CallDuration  *int // seconds from answer to end
	TotalDuration *int // seconds from start to end

	Status          string
	EndReason       *string
	SIPResponseCode *int

	Codec              *string
	RTPPacketsSent     *int64
	RTPPacketsReceived *int64
	RTPBytesSent       *int64
	RTPBytesReceived   *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// User is one authenticatable SIP account. Passwords are stored only as
// precomputed digest HA1 values, one per supported algorithm.
type User struct {
	ID       int64
	Username string
	Realm    string

	HA1MD5    string
	HA1SHA256 string
	HA1SHA512 string

	Enabled   bool
	CreatedAt time.Time
}

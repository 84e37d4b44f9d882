// Package protocol defines the JSON wire format exchanged with the sync
// server and an HTTP client for it.
//
// Every endpoint takes a POST with a flat request struct and answers with a
// flat response struct carrying a status string; "ok" means full success.
// Shared request fields are composed by embedding Envelope or KeyedEnvelope.
package protocol

import (
	"github.com/alx-kng/telefender/internal/changelog"
	"github.com/alx-kng/telefender/internal/store"
)

// StatusOK is the only status that means full success.
const StatusOK = "ok"

// Endpoint paths, relative to the server base URL.
const (
	PathRequestInstallation = "/requestInstallation"
	PathVerifyInstallation  = "/verifyInstallation"
	PathUploadChange        = "/uploadChange"
	PathDownloadChange      = "/downloadChange"
	PathUploadAnalyzed      = "/uploadAnalyzed"
	PathUploadError         = "/uploadError"
)

// Envelope carries the fields every request shares.
type Envelope struct {
	InstanceNumber string `json:"instanceNumber"`
}

// KeyedEnvelope is an Envelope for endpoints that require the client key.
type KeyedEnvelope struct {
	Envelope
	Key string `json:"key"`
}

// Result carries the fields every response shares.
type Result struct {
	Status string  `json:"status"`
	Error  *string `json:"error,omitempty"`
}

// OK reports whether the response is a full success.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Err returns nil for an ok response and a *StatusError otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	e := &StatusError{Status: r.Status}
	if r.Error != nil {
		e.Message = *r.Error
	}
	return e
}

// DefaultRequest asks the server to start an installation session.
type DefaultRequest struct {
	Envelope
}

// SessionResponse answers DefaultRequest.
type SessionResponse struct {
	Result
	SessionID string `json:"sessionID"`
}

// VerifyRequest completes the installation with the one-time password.
type VerifyRequest struct {
	Envelope
	SessionID string `json:"sessionID"`
	OTP       string `json:"OTP"`
}

// KeyResponse answers VerifyRequest with the client key.
type KeyResponse struct {
	Result
	Key string `json:"key"`
}

// UploadChangeRequest ships a batch of local change logs.
type UploadChangeRequest struct {
	KeyedEnvelope
	Changes []WireChange `json:"changes"`
}

// UploadAnalyzedRequest ships a batch of analyzed-number rows.
type UploadAnalyzedRequest struct {
	KeyedEnvelope
	AnalyzedNumbers []WireAnalyzed `json:"analyzedNumbers"`
}

// UploadErrorRequest ships a batch of error-log rows.
type UploadErrorRequest struct {
	KeyedEnvelope
	ErrorLogs []WireError `json:"errorLogs"`
}

// UploadResponse answers every upload. LastUploadedRowID is the highest
// linked row id the server durably accepted.
type UploadResponse struct {
	Result
	LastUploadedRowID int64 `json:"lastUploadedRowID"`
}

// DownloadRequest asks for changes after LastChangeID (nil for "from the
// beginning").
type DownloadRequest struct {
	KeyedEnvelope
	LastChangeID *int64 `json:"lastChangeID"`
}

// ChangeResponse answers DownloadRequest with one page of changes.
type ChangeResponse struct {
	Result
	Changes []WireChange `json:"changes"`
}

// WireChange is the JSON shape of a change log.
type WireChange struct {
	ChangeID       string  `json:"changeID"`
	ChangeTime     int64   `json:"changeTime"`
	Type           string  `json:"type"`
	InstanceNumber string  `json:"instanceNumber"`
	CID            *string `json:"CID,omitempty"`
	OldNumber      *string `json:"oldNumber,omitempty"`
	Number         *string `json:"number,omitempty"`
	ParentNumber   *string `json:"parentNumber,omitempty"`
	Trustability   *int    `json:"trustability,omitempty"`
	CounterValue   *int64  `json:"counterValue,omitempty"`
	Degree         *int    `json:"degree,omitempty"`
	Blocked        *bool   `json:"blocked,omitempty"`
	ServerChangeID *int64  `json:"serverChangeID,omitempty"`
	RowID          int64   `json:"rowID,omitempty"`
}

// FromChangeLog converts a stored change log to its wire form.
func FromChangeLog(c changelog.ChangeLog) WireChange {
	return WireChange{
		ChangeID:       c.ChangeID,
		ChangeTime:     c.ChangeTime,
		Type:           string(c.Type),
		InstanceNumber: c.InstanceNumber,
		CID:            c.CID,
		OldNumber:      c.OldNumber,
		Number:         c.Number,
		ParentNumber:   c.ParentNumber,
		Trustability:   c.Trustability,
		CounterValue:   c.CounterValue,
		Degree:         c.Degree,
		Blocked:        c.Blocked,
		ServerChangeID: c.ServerChangeID,
		RowID:          c.RowID,
	}
}

// FromChangeLogs converts a batch.
func FromChangeLogs(cs []changelog.ChangeLog) []WireChange {
	out := make([]WireChange, 0, len(cs))
	for _, c := range cs {
		out = append(out, FromChangeLog(c))
	}
	return out
}

// ChangeLog converts the wire form back to a change log. The type accepts
// either the wire code or the long name; an unknown type is kept verbatim
// so execution can reject and report it. RowID is local and never copied.
func (w WireChange) ChangeLog() changelog.ChangeLog {
	typ, err := changelog.ParseType(w.Type)
	if err != nil {
		typ = changelog.Type(w.Type)
	}
	return changelog.ChangeLog{
		ChangeID:       w.ChangeID,
		ChangeTime:     w.ChangeTime,
		Type:           typ,
		InstanceNumber: w.InstanceNumber,
		ServerChangeID: w.ServerChangeID,
		Payload: changelog.Payload{
			CID:          w.CID,
			OldNumber:    w.OldNumber,
			Number:       w.Number,
			ParentNumber: w.ParentNumber,
			Trustability: w.Trustability,
			CounterValue: w.CounterValue,
			Degree:       w.Degree,
			Blocked:      w.Blocked,
		},
	}
}

// WireAnalyzed is the JSON shape of an analyzed-number row.
type WireAnalyzed struct {
	RowID              int64  `json:"rowID"`
	Number             string `json:"number"`
	NumIncoming        int    `json:"numIncoming"`
	NumOutgoing        int    `json:"numOutgoing"`
	NumMissed          int    `json:"numMissed"`
	NumVoicemail       int    `json:"numVoicemail"`
	NumRejected        int    `json:"numRejected"`
	NumBlocked         int    `json:"numBlocked"`
	LastCallTime       int64  `json:"lastCallTime"`
	MarkedTrustability *int   `json:"markedTrustability,omitempty"`
}

// FromAnalyzed converts a batch of analyzed rows.
func FromAnalyzed(rows []store.AnalyzedNumber) []WireAnalyzed {
	out := make([]WireAnalyzed, 0, len(rows))
	for _, a := range rows {
		out = append(out, WireAnalyzed{
			RowID:              a.RowID,
			Number:             a.Number,
			NumIncoming:        a.NumIncoming,
			NumOutgoing:        a.NumOutgoing,
			NumMissed:          a.NumMissed,
			NumVoicemail:       a.NumVoicemail,
			NumRejected:        a.NumRejected,
			NumBlocked:         a.NumBlocked,
			LastCallTime:       a.LastCallTime,
			MarkedTrustability: a.MarkedTrustability,
		})
	}
	return out
}

// WireError is the JSON shape of an error-log row.
type WireError struct {
	RowID          int64  `json:"rowID"`
	ChangeID       string `json:"changeID,omitempty"`
	InstanceNumber string `json:"instanceNumber"`
	Message        string `json:"message"`
	CreateTime     int64  `json:"createTime"`
}

// FromErrorLogs converts a batch of error rows.
func FromErrorLogs(rows []store.ErrorLog) []WireError {
	out := make([]WireError, 0, len(rows))
	for _, e := range rows {
		out = append(out, WireError{
			RowID:          e.RowID,
			ChangeID:       e.ChangeID,
			InstanceNumber: e.InstanceNumber,
			Message:        e.Message,
			CreateTime:     e.CreateTime,
		})
	}
	return out
}

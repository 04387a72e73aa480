// Package response provides the SMTP replies the receiver writes to clients.
package response

import (
	"fmt"
)

const (
	// ClassSuccess specifies that the reply is reporting a positive
	// completion of the requested action.
	ClassSuccess = 2
	// ClassTransientFailure - the action was not taken, but the error
	// condition is temporary and the client may retry.
	ClassTransientFailure = 4
	// ClassPermanentFailure - the action was not taken and retrying the
	// same command will fail again.
	ClassPermanentFailure = 5
)

type class int

func (c class) String() string {
	return fmt.Sprintf("%c00", c)
}

// Enhanced status suffixes used by this server (RFC 3463). The class digit
// is prepended when the reply is rendered.
const (
	OtherOrUndefinedSecurityStatus   = ".7.0"
	AuthenticationCredentialsInvalid = ".7.8"
)

// EnhancedStatus are the ones that look like 5.7.8
type EnhancedStatus struct {
	Class  class
	Status string
}

// String returns a string representation of EnhancedStatus
func (e EnhancedStatus) String() string {
	return fmt.Sprintf("%d%s", e.Class, e.Status)
}

// Response builds a reply line. The enhanced code is optional; most of the
// replies this server sends are bare "<code> <comment>" lines.
type Response struct {
	EnhancedCode string
	BasicCode    int
	Class        class
	Comment      string
}

// String returns the rendered reply, without the trailing CRLF
func (r *Response) String() string {
	if r.EnhancedCode == "" {
		return fmt.Sprintf("%d %s", r.BasicCode, r.Comment)
	}
	e := EnhancedStatus{r.Class, r.EnhancedCode}
	return fmt.Sprintf("%d %s %s", r.BasicCode, e.String(), r.Comment)
}

var (
	// Canned is to be read-only, except in the init() function
	Canned Responses
)

// Responses has some already pre-constructed responses
type Responses struct {

	// The 500's
	FailLineTooLong     string
	FailUnrecognizedCmd string
	FailSyntaxHelo      string
	FailSyntaxEhlo      string
	FailSyntaxMailCmd   string
	FailSyntaxRcptCmd   string
	FailSyntaxVerifyCmd string
	FailSyntaxAuthCmd   string
	FailAuthNotEnabled  string
	FailAuthMechanism   string
	FailAuthInvalid     string
	FailAuthRequired    string
	FailMailParams      string
	FailTooMuchData     string
	FailDecodeError     string

	// The 500's with no retry possible, state related
	FailNoHelo        string
	FailDuplicateHelo string
	FailAlreadyAuthed string
	FailNestedMailCmd string
	FailNeedMailCmd   string
	FailNeedRcptCmd   string

	// The 400's
	FailStoreError       string
	FailReadErrorDataCmd string

	// The 200's
	SuccessAuthCmd   string
	SuccessCmd       string
	SuccessVerifyCmd string
	SuccessQuitCmd   string
	SuccessDataCmd   string
	SuccessHelpCmd   string

	// Server shutting down
	ErrorShutdown string
}

func init() {

	Canned.FailLineTooLong = (&Response{
		BasicCode: 500,
		Class:     ClassPermanentFailure,
		Comment:   "Line too long",
	}).String()

	Canned.FailUnrecognizedCmd = (&Response{
		BasicCode: 500,
		Class:     ClassPermanentFailure,
		Comment:   "Error: command not recognized",
	}).String()

	Canned.FailSyntaxHelo = (&Response{
		BasicCode: 501,
		Class:     ClassPermanentFailure,
		Comment:   "Syntax: HELO hostname",
	}).String()

	Canned.FailSyntaxEhlo = (&Response{
		BasicCode: 501,
		Class:     ClassPermanentFailure,
		Comment:   "Syntax: EHLO hostname",
	}).String()

	Canned.FailSyntaxMailCmd = (&Response{
		BasicCode: 501,
		Class:     ClassPermanentFailure,
		Comment:   "Syntax: MAIL FROM: <address>",
	}).String()

	Canned.FailSyntaxRcptCmd = (&Response{
		BasicCode: 501,
		Class:     ClassPermanentFailure,
		Comment:   "Syntax: RCPT TO: <address>",
	}).String()

	Canned.FailSyntaxVerifyCmd = (&Response{
		BasicCode: 501,
		Class:     ClassPermanentFailure,
		Comment:   "Syntax: VRFY <address>",
	}).String()

	Canned.FailSyntaxAuthCmd = (&Response{
		BasicCode: 501,
		Class:     ClassPermanentFailure,
		Comment:   "Syntax: AUTH TYPE base64(username\\x00username\\x00password)",
	}).String()

	Canned.FailAuthNotEnabled = (&Response{
		BasicCode: 501,
		Class:     ClassPermanentFailure,
		Comment:   "Syntax: AUTH not enabled",
	}).String()

	Canned.FailAuthMechanism = (&Response{
		BasicCode: 501,
		Class:     ClassPermanentFailure,
		Comment:   "Syntax: only PLAIN auth possible",
	}).String()

	Canned.FailAuthInvalid = (&Response{
		EnhancedCode: AuthenticationCredentialsInvalid,
		BasicCode:    535,
		Class:        ClassPermanentFailure,
		Comment:      "Authentication credentials invalid",
	}).String()

	Canned.FailAuthRequired = (&Response{
		EnhancedCode: OtherOrUndefinedSecurityStatus,
		BasicCode:    530,
		Class:        ClassPermanentFailure,
		Comment:      "Authentication required",
	}).String()

	Canned.FailMailParams = (&Response{
		BasicCode: 555,
		Class:     ClassPermanentFailure,
		Comment:   "MAIL FROM parameters not recognized or not implemented",
	}).String()

	Canned.FailTooMuchData = (&Response{
		BasicCode: 552,
		Class:     ClassPermanentFailure,
		Comment:   "Error: Too much mail data",
	}).String()

	Canned.FailDecodeError = (&Response{
		BasicCode: 554,
		Class:     ClassPermanentFailure,
		Comment:   "Error: could not decode message",
	}).String()

	Canned.FailNoHelo = (&Response{
		BasicCode: 503,
		Class:     ClassPermanentFailure,
		Comment:   "Error: send EHLO/HELO first",
	}).String()

	Canned.FailDuplicateHelo = (&Response{
		BasicCode: 503,
		Class:     ClassPermanentFailure,
		Comment:   "Duplicate HELO/EHLO",
	}).String()

	Canned.FailAlreadyAuthed = (&Response{
		BasicCode: 503,
		Class:     ClassPermanentFailure,
		Comment:   "Already authenticated",
	}).String()

	Canned.FailNestedMailCmd = (&Response{
		BasicCode: 503,
		Class:     ClassPermanentFailure,
		Comment:   "Error: nested MAIL command",
	}).String()

	Canned.FailNeedMailCmd = (&Response{
		BasicCode: 503,
		Class:     ClassPermanentFailure,
		Comment:   "Error: need MAIL command",
	}).String()

	Canned.FailNeedRcptCmd = (&Response{
		BasicCode: 503,
		Class:     ClassPermanentFailure,
		Comment:   "Error: need RCPT command",
	}).String()

	Canned.FailStoreError = (&Response{
		BasicCode: 451,
		Class:     ClassTransientFailure,
		Comment:   "Error: failed to store message",
	}).String()

	Canned.FailReadErrorDataCmd = (&Response{
		BasicCode: 451,
		Class:     ClassTransientFailure,
		Comment:   "Error: read error during DATA",
	}).String()

	Canned.SuccessAuthCmd = (&Response{
		BasicCode: 235,
		Class:     ClassSuccess,
		Comment:   "Authentication successful",
	}).String()

	Canned.SuccessCmd = (&Response{
		BasicCode: 250,
		Class:     ClassSuccess,
		Comment:   "OK",
	}).String()

	Canned.SuccessVerifyCmd = (&Response{
		BasicCode: 252,
		Class:     ClassSuccess,
		Comment:   "Cannot VRFY user, but will accept message and attempt delivery",
	}).String()

	Canned.SuccessQuitCmd = (&Response{
		BasicCode: 221,
		Class:     ClassSuccess,
		Comment:   "Bye",
	}).String()

	Canned.SuccessDataCmd = (&Response{
		BasicCode: 354,
		Comment:   "End data with <CR><LF>.<CR><LF>",
	}).String()

	Canned.SuccessHelpCmd = (&Response{
		BasicCode: 250,
		Class:     ClassSuccess,
		Comment:   "Supported commands: AUTH DATA EHLO HELO HELP MAIL NOOP QUIT RCPT RSET VRFY",
	}).String()

	Canned.ErrorShutdown = (&Response{
		BasicCode: 421,
		Class:     ClassTransientFailure,
		Comment:   "Server is shutting down. Please try again later. Sayonara!",
	}).String()

}

/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package roomcall

import (
	"strings"
)

// ErrorKind is the fixed vocabulary for room failures shown to users.
type ErrorKind string

const (
	// Validation kinds, returned synchronously by actions.
	KindRoomIDRequired   ErrorKind = "roomIdRequired"
	KindAlreadyInRoom    ErrorKind = "alreadyInRoom"
	KindPasswordRequired ErrorKind = "passwordRequired"
	KindBusy             ErrorKind = "busy"
	KindNotConnected     ErrorKind = "notConnected"
	KindNotInRoom        ErrorKind = "notInRoom"

	KindMicDenied ErrorKind = "micDenied"

	// Server kinds, mapped from error messages.
	KindRoomNotFound       ErrorKind = "roomNotFound"
	KindPasswordInvalid    ErrorKind = "passwordInvalid"
	KindRoomFull           ErrorKind = "roomFull"
	KindRoomInactive       ErrorKind = "roomInactive"
	KindNameRequired       ErrorKind = "nameRequired"
	KindPrivacyUnsupported ErrorKind = "privacyUnsupported"
	KindServerError        ErrorKind = "serverError"
)

// Error is a room failure of a known kind.
type Error struct {
	Kind ErrorKind
}

func (e *Error) Error() string {
	return "roomcall: " + string(e.Kind)
}

// Is matches any *Error of the same kind, so errors.Is works against the
// sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrRoomIDRequired   = &Error{Kind: KindRoomIDRequired}
	ErrAlreadyInRoom    = &Error{Kind: KindAlreadyInRoom}
	ErrPasswordRequired = &Error{Kind: KindPasswordRequired}
	ErrBusy             = &Error{Kind: KindBusy}
	ErrNotConnected     = &Error{Kind: KindNotConnected}
	ErrNotInRoom        = &Error{Kind: KindNotInRoom}
)

// serverErrorRules is checked in order; the first rule with a matching
// substring wins. "password required" must precede the invalid-password
// and privacy rules since server texts combine them.
var serverErrorRules = []struct {
	needles []string
	kind    ErrorKind
}{
	{[]string{"not found", "does not exist", "no such room"}, KindRoomNotFound},
	{[]string{"password required", "password is required", "requires a password"}, KindPasswordRequired},
	{[]string{"invalid password", "incorrect password", "wrong password", "password invalid"}, KindPasswordInvalid},
	{[]string{"full", "capacity"}, KindRoomFull},
	{[]string{"inactive", "not active", "closed", "expired"}, KindRoomInactive},
	{[]string{"name required", "name is required"}, KindNameRequired},
	{[]string{"private", "privacy"}, KindPrivacyUnsupported},
}

// ClassifyServerError maps a server error message to a kind. Unknown text
// is KindServerError.
func ClassifyServerError(message string) ErrorKind {
	msg := strings.ToLower(message)
	for _, rule := range serverErrorRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.kind
			}
		}
	}
	return KindServerError
}

// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mtproto

import (
	"errors"
	"strconv"
	"strings"

	"github.com/blinklabs-io/gomtproto/query"
)

var (
	// ErrRetriesExhausted is surfaced when a query's dispatch budget runs
	// out without delivery
	ErrRetriesExhausted = query.ErrDispatchExhausted
	// ErrChallengeDeclined is surfaced when the application declines a
	// verification challenge
	ErrChallengeDeclined = errors.New("verification challenge declined")
	// ErrUnknownDatacenter is surfaced for a query targeting a datacenter
	// with no configured address
	ErrUnknownDatacenter = errors.New("unknown datacenter")
	// ErrClientClosed is surfaced for queries submitted after Close
	ErrClientClosed = errors.New("client is closed")
)

// Error codes recognized by the dispatcher
const (
	errCodeSeeOther  int32 = 303
	errCodeForbidden int32 = 403
	errCodeFlood     int32 = 420
	errCodeServerMin int32 = 500
	errCodeServerMax int32 = 600
)

// migratePrefixes are the message prefixes of datacenter redirect errors
var migratePrefixes = []string{
	"PHONE_MIGRATE_",
	"NETWORK_MIGRATE_",
	"USER_MIGRATE_",
	"STATS_MIGRATE_",
}

// floodExceptions are rate-limit messages with business semantics that pass
// through to the caller instead of being retried
var floodExceptions = []string{
	"2FA_CONFIRM_WAIT_",
	"SLOWMODE_WAIT_",
}

// resendSentinel marks an unconditional immediate resend request
const resendSentinel = "RESEND"

// Verification challenge message prefixes
const (
	deviceVerifyPrefix = "NEED_DEVICE_VERIFY_"
	humanVerifyPrefix  = "NEED_HUMAN_VERIFY_"
)

// ChallengeKind distinguishes the two verification challenge sub-kinds
type ChallengeKind uint8

const (
	// ChallengeDevice is a device/app attestation challenge
	ChallengeDevice ChallengeKind = iota
	// ChallengeHuman is an interactive human challenge
	ChallengeHuman
)

func (k ChallengeKind) String() string {
	switch k {
	case ChallengeDevice:
		return "Device"
	case ChallengeHuman:
		return "Human"
	}
	return "Unknown"
}

// isMigrate returns the redirect target datacenter for a migrate error
func isMigrate(err *query.RPCError) (int32, bool) {
	if err.Code != errCodeSeeOther {
		return 0, false
	}
	for _, prefix := range migratePrefixes {
		if rest, ok := strings.CutPrefix(err.Message, prefix); ok {
			dc, parseErr := strconv.ParseInt(rest, 10, 32)
			if parseErr != nil {
				return 0, false
			}
			return int32(dc), true
		}
	}
	return 0, false
}

// isResendSentinel returns whether the error requests an unconditional
// immediate resend
func isResendSentinel(err *query.RPCError) bool {
	return err.Message == resendSentinel
}

// floodWait returns the mandatory minimum wait stated by a rate-limit error
func floodWait(err *query.RPCError) (int, bool) {
	if err.Code != errCodeFlood {
		return 0, false
	}
	rest, ok := strings.CutPrefix(err.Message, "FLOOD_WAIT_")
	if !ok {
		return 0, false
	}
	seconds, parseErr := strconv.Atoi(rest)
	if parseErr != nil {
		return 0, false
	}
	return seconds, true
}

// isTransient returns whether an error belongs to the internally retried
// class: negative codes, server-internal errors, and rate limits other than
// the two excepted business codes
func isTransient(err *query.RPCError) bool {
	if err.Code < 0 {
		return true
	}
	if err.Code >= errCodeServerMin && err.Code < errCodeServerMax {
		return true
	}
	if err.Code == errCodeFlood {
		for _, exception := range floodExceptions {
			if strings.HasPrefix(err.Message, exception) {
				return false
			}
		}
		return true
	}
	return false
}

// verifyKind returns the challenge sub-kind and nonce for a
// verification-required error
func verifyKind(err *query.RPCError) (ChallengeKind, string, bool) {
	if err.Code != errCodeForbidden {
		return 0, "", false
	}
	if nonce, ok := strings.CutPrefix(err.Message, deviceVerifyPrefix); ok {
		return ChallengeDevice, nonce, true
	}
	if nonce, ok := strings.CutPrefix(err.Message, humanVerifyPrefix); ok {
		return ChallengeHuman, nonce, true
	}
	return 0, "", false
}

// Copyright 2024-2026 Aiku AI

package bridge

import "strings"

// Well-known pseudo-thread identifiers on the chat platform. These get fixed
// topic names and icons and never receive a welcome message.
const (
	// StatusThreadID is the broadcast channel carrying status updates.
	StatusThreadID = "status@broadcast"
	// CallLogThreadID is the synthetic thread the engine files call
	// notifications under.
	CallLogThreadID = "calls@log"
)

// Suffixes distinguishing thread classes in raw chat identifiers.
const (
	groupSuffix     = "@g.us"
	userSuffix      = "@s.whatsapp.net"
	broadcastSuffix = "@broadcast"
)

// IsGroupThread reports whether a raw thread identifier names a group.
func IsGroupThread(threadID string) bool {
	return strings.HasSuffix(threadID, groupSuffix)
}

// IsBroadcastThread reports whether a raw thread identifier names a
// broadcast-style channel.
func IsBroadcastThread(threadID string) bool {
	return strings.HasSuffix(threadID, broadcastSuffix)
}

// ThreadHandle strips the platform suffix from a thread identifier, leaving
// the bare phone number or group handle.
func ThreadHandle(threadID string) string {
	if idx := strings.IndexByte(threadID, '@'); idx >= 0 {
		return threadID[:idx]
	}
	return threadID
}

// FallbackLabel formats a raw thread identifier as a human-readable topic
// name, used when neither thread metadata nor a contact name is available.
func FallbackLabel(threadID string) string {
	handle := ThreadHandle(threadID)
	if handle == "" {
		return threadID
	}
	if IsGroupThread(threadID) {
		return "Group " + handle
	}
	return "+" + handle
}

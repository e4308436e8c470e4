package control

import (
	"context"
	"errors"

	"relaybot/internal/linkresolve"
	"relaybot/internal/membership"
	"relaybot/internal/storage"
	"relaybot/internal/task/engine"
	"relaybot/internal/userbot"
)

var descriptions = []struct {
	err  error
	text string
}{
	{storage.ErrNotFound, "Not found."},
	{storage.ErrDuplicate, "That already exists."},
	{storage.ErrIllegalTransition, "That status change is not allowed."},
	{storage.ErrNoFreeAccounts, "Not enough free accounts for this invitation."},
	{storage.ErrAlreadyActivated, "This invitation was already activated."},
	{storage.ErrExpired, "This invitation has expired."},
	{ErrNotOwner, "That does not belong to you."},
	{ErrAccountNotAssigned, "That account is not assigned to you."},
	{ErrSubscriptionDown, "Your subscription is not active."},
	{linkresolve.ErrUnsupportedLink, "Folder (addlist) links are not supported; send the group links one by one."},
	{linkresolve.ErrInvalidReference, "That link is malformed."},
	{linkresolve.ErrResolutionFailed, "The link could not be resolved."},
	{membership.ErrPermanentJoinFailure, "The group cannot be joined: the invite expired or access is forbidden."},
	{userbot.ErrRateLimited, "Telegram is rate limiting this account; try again later."},
	{userbot.ErrAccountUnavailable, "The account is unavailable right now."},
	{engine.ErrNoTargets, "There are no target groups for this task."},
	{context.DeadlineExceeded, "That took too long; try again."},
}

// Describe turns any error into a sentence fit for a chat reply. Raw internal
// errors never pass through.
func Describe(err error) string {
	if err == nil {
		return "Done."
	}
	var ve ValidationError
	if errors.As(err, &ve) {
		return "Invalid input: " + ve.msg
	}
	for _, d := range descriptions {
		if errors.Is(err, d.err) {
			return d.text
		}
	}
	return "Something went wrong. The error was logged."
}

// Expected reports whether err is one Describe has a specific sentence for.
// Anything else deserves a log line.
func Expected(err error) bool {
	if err == nil {
		return true
	}
	var ve ValidationError
	if errors.As(err, &ve) {
		return true
	}
	for _, d := range descriptions {
		if errors.Is(err, d.err) {
			return true
		}
	}
	return false
}

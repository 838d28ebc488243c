// Package subscription models bot users, their chosen schedule and the
// change-notification subscriptions that group users by tracked entity.
package subscription

import (
	"time"

	"github.com/chsu-bot/schedule-notifier/internal/domain/schedule"
	"github.com/chsu-bot/schedule-notifier/internal/domain/shared"
	"github.com/chsu-bot/schedule-notifier/pkg/timeutil"
)

// Platform identifies a chat platform.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformVK       Platform = "vk"
)

// ParsePlatform validates a platform identifier.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformTelegram, PlatformVK:
		return Platform(s), nil
	default:
		return "", shared.ErrInvalidPlatform
	}
}

// Subscriber is a (user, platform) pair. User ids are only unique within a platform.
type Subscriber struct {
	UserID   int64
	Platform Platform
}

// User is a registered bot user.
type User struct {
	ID       int64
	Platform Platform

	// Entity is the group or professor the user reads; zero until registration.
	Entity schedule.Entity

	// NotifyOnChange mirrors the user's membership in the entity's subscriber set.
	NotifyOnChange bool

	// MailingTime is the daily delivery time HH:MM; empty means no mailing.
	MailingTime string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUser creates an unregistered user.
func NewUser(id int64, platform Platform, now time.Time) *User {
	return &User{ID: id, Platform: platform, CreatedAt: now, UpdatedAt: now}
}

// Subscriber returns the user's (id, platform) key.
func (u *User) Subscriber() Subscriber {
	return Subscriber{UserID: u.ID, Platform: u.Platform}
}

// IsRegistered reports whether the user has chosen a group or professor.
func (u *User) IsRegistered() bool {
	return u.Entity.Name != ""
}

// SetMailingTime sets or, with an empty value, clears the daily mailing time.
func (u *User) SetMailingTime(value string, now time.Time) error {
	if value != "" && !timeutil.IsMailingTime(value) {
		return shared.ErrInvalidMailingTime
	}
	u.MailingTime = value
	u.UpdatedAt = now
	return nil
}

// SwitchEntity selects another schedule. Change tracking is dropped, the
// caller is responsible for removing the user from the old subscriber set.
func (u *User) SwitchEntity(entity schedule.Entity, now time.Time) error {
	if entity.Name == "" {
		return shared.ErrEmptyEntityName
	}
	u.Entity = entity
	u.NotifyOnChange = false
	u.UpdatedAt = now
	return nil
}

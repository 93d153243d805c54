package domain

import (
	"fmt"
	"strings"
)

// ActionType is the kind of care a schedule reminds about.
type ActionType string

const (
	ActionWatering    ActionType = "WATERING"
	ActionFertilizing ActionType = "FERTILIZING"
	ActionRepotting   ActionType = "REPOTTING"
	ActionCustom      ActionType = "CUSTOM"
)

func ParseActionType(s string) (ActionType, error) {
	switch a := ActionType(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionWatering, ActionFertilizing, ActionRepotting, ActionCustom:
		return a, nil
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

func (a ActionType) Emoji() string {
	switch a {
	case ActionWatering:
		return "💧"
	case ActionFertilizing:
		return "💊"
	case ActionRepotting:
		return "🪴"
	default:
		return "🔔"
	}
}

func (a ActionType) Title() string {
	switch a {
	case ActionWatering:
		return "Watering"
	case ActionFertilizing:
		return "Fertilizing"
	case ActionRepotting:
		return "Repotting"
	default:
		return "Care"
	}
}

type ScheduleType string

const (
	ScheduleInterval ScheduleType = "INTERVAL"
	ScheduleWeekly   ScheduleType = "WEEKLY"
)

func ParseScheduleType(s string) (ScheduleType, error) {
	switch t := ScheduleType(strings.ToUpper(strings.TrimSpace(s))); t {
	case ScheduleInterval, ScheduleWeekly:
		return t, nil
	}
	return "", fmt.Errorf("unknown schedule type %q", s)
}

type ActionStatus string

const (
	StatusDone    ActionStatus = "DONE"
	StatusSkipped ActionStatus = "SKIPPED"
)

func ParseActionStatus(s string) (ActionStatus, error) {
	switch st := ActionStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusDone, StatusSkipped:
		return st, nil
	}
	return "", fmt.Errorf("unknown action status %q", s)
}

// ActionSource records which path produced an action log.
type ActionSource string

const (
	SourceSchedule ActionSource = "SCHEDULE"
	SourceManual   ActionSource = "MANUAL"
	SourceShared   ActionSource = "SHARED"
)

func ParseActionSource(s string) (ActionSource, error) {
	switch src := ActionSource(strings.ToUpper(strings.TrimSpace(s))); src {
	case SourceSchedule, SourceManual, SourceShared:
		return src, nil
	}
	return "", fmt.Errorf("unknown action source %q", s)
}

type MemberStatus string

const (
	MemberPending MemberStatus = "PENDING"
	MemberActive  MemberStatus = "ACTIVE"
	MemberRemoved MemberStatus = "REMOVED"
	MemberBlocked MemberStatus = "BLOCKED"
)

func ParseMemberStatus(s string) (MemberStatus, error) {
	switch st := MemberStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case MemberPending, MemberActive, MemberRemoved, MemberBlocked:
		return st, nil
	}
	return "", fmt.Errorf("unknown member status %q", s)
}

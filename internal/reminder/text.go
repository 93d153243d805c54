package reminder

import (
	"strconv"
	"strings"

	"plantbot/internal/domain"
	"plantbot/internal/transport"
	"plantbot/pkg/tgui"
)

// Callback data for reminder buttons: "rem:done:<pending_id>", "rem:skip:<pending_id>".
const (
	CallbackPrefix = "rem"
	ActionDone     = "done"
	ActionSkip     = "skip"
)

const maxPlantNameRunes = 48

// ActionKeyboard is the done/skip row attached to a reminder.
func ActionKeyboard(pendingID int64) [][]transport.Button {
	id := strconv.FormatInt(pendingID, 10)
	return [][]transport.Button{{
		{Text: "✅ Done", Data: tgui.Data(CallbackPrefix, ActionDone, id)},
		{Text: "⏭️ Skip", Data: tgui.Data(CallbackPrefix, ActionSkip, id)},
	}}
}

// DoneKeyboard keeps only the Done button (owner override of a subscriber skip).
func DoneKeyboard(pendingID int64) [][]transport.Button {
	return [][]transport.Button{{
		{Text: "✅ Done", Data: tgui.Data(CallbackPrefix, ActionDone, strconv.FormatInt(pendingID, 10))},
	}}
}

// BaseText renders "<emoji> <b>Title</b>: plant" in Telegram HTML.
func BaseText(o domain.OwnedSchedule) string {
	name := tgui.TruncRunes(o.Plant.DisplayName(), maxPlantNameRunes)
	return tgui.JoinH(" ",
		tgui.Raw(o.Schedule.Action.Emoji()),
		tgui.JoinH("", tgui.B(o.Schedule.Title()), tgui.Raw(":")),
		tgui.Esc(name),
	).String()
}

// SubscriberText adds the owner attribution shown to share members.
func SubscriberText(o domain.OwnedSchedule) string {
	return BaseText(o) + "\n\n" + tgui.I("(reminder from "+o.Owner.Mention()+"'s schedule)").String()
}

// ResultSuffix is appended to a reminder once it is resolved. by is empty
// when the owner resolved it.
func ResultSuffix(status domain.ActionStatus, by string) string {
	var b strings.Builder
	b.WriteString("\n\n")
	if status == domain.StatusDone {
		b.WriteString("— done ✅")
	} else {
		b.WriteString("— skipped ⏭️")
	}
	if by != "" {
		b.WriteString(" ")
		b.WriteString(tgui.Esc("by " + by).String())
	}
	return b.String()
}

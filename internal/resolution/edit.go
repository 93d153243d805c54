package resolution

import (
	"context"
	"strconv"

	"plantbot/internal/domain"
	"plantbot/internal/reminder"
	"plantbot/internal/transport"
	logx "plantbot/pkg/logx"
)

// refresh rewrites every recorded copy of the reminder to match p's current
// state and returns how many edits succeeded.
func (s *Service) refresh(ctx context.Context, log logx.Logger, p domain.Pending, o domain.OwnedSchedule) int {
	if s.editor == nil {
		return 0
	}
	msgs, err := s.store.ListPendingMessages(ctx, p.ID)
	if err != nil {
		log.Error("list pending messages failed", logx.Err(err))
		return 0
	}
	by := ""
	if r := p.Resolution; r != nil && r.ByUserID != p.OwnerUserID {
		by = s.mention(ctx, r.ByUserID)
	}

	edited := 0
	for _, m := range msgs {
		text, kb := s.render(ctx, p, o, m, by)
		ectx, cancel := context.WithTimeout(ctx, s.cfg.EditTimeout)
		err := s.editor.Edit(ectx, m.ChatID, m.MessageID, text, kb)
		cancel()
		if err != nil {
			log.Warn("edit reminder failed",
				logx.Int64("chat_id", m.ChatID), logx.Int("message_id", m.MessageID), logx.Err(err))
			continue
		}
		edited++
	}
	return edited
}

func (s *Service) render(ctx context.Context, p domain.Pending, o domain.OwnedSchedule, m domain.PendingMessage, by string) (string, [][]transport.Button) {
	base := reminder.SubscriberText(o)
	if m.IsOwner {
		base = reminder.BaseText(o)
	}
	r := p.Resolution
	if r == nil {
		// Rolled back: buttons come back for whoever may still act.
		if m.IsOwner {
			return base, reminder.ActionKeyboard(p.ID)
		}
		ms, err := completingMembership(ctx, s.store, o.Schedule.ID, m.ChatID, s.now())
		if err == nil && ms != nil {
			return base, reminder.ActionKeyboard(p.ID)
		}
		return base, nil
	}
	if m.IsOwner {
		if r.Status == domain.StatusSkipped && r.ByUserID != p.OwnerUserID {
			return base + reminder.ResultSuffix(r.Status, ""), reminder.DoneKeyboard(p.ID)
		}
		return base + reminder.ResultSuffix(r.Status, ""), nil
	}
	return base + reminder.ResultSuffix(r.Status, by), nil
}

func (s *Service) mention(ctx context.Context, userID int64) string {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "id" + strconv.FormatInt(userID, 10)
	}
	return u.Mention()
}

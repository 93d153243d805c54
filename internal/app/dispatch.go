package app

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"plantbot/internal/domain"
	"plantbot/internal/reminder"
	"plantbot/internal/resolution"
	kit "plantbot/internal/transport"
	logx "plantbot/pkg/logx"
	"plantbot/pkg/tgui"
)

const (
	callbackWorkers = 8
	callbackTimeout = 30 * time.Second
)

func (a *App) dispatchLoop(ctx context.Context) error {
	g := new(errgroup.Group)
	g.SetLimit(callbackWorkers)
	defer func() { _ = g.Wait() }()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-a.updates:
			if up.Kind != kit.UpdateCallback || up.Callback == nil {
				continue
			}
			cb := *up.Callback
			g.Go(func() error {
				c, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
				defer cancel()
				a.handleCallback(c, cb)
				return nil
			})
		}
	}
}

// parseReminderCallback extracts the status and pending id from a reminder
// button payload.
func parseReminderCallback(data string) (domain.ActionStatus, int64, bool) {
	cb, ok := tgui.Parse(data)
	if !ok || cb.Prefix != reminder.CallbackPrefix {
		return "", 0, false
	}
	id, err := strconv.ParseInt(cb.Payload, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	switch cb.Action {
	case reminder.ActionDone:
		return domain.StatusDone, id, true
	case reminder.ActionSkip:
		return domain.StatusSkipped, id, true
	}
	return "", 0, false
}

func (a *App) handleCallback(ctx context.Context, cb kit.Callback) {
	log := a.log.With(logx.Int64("user_id", cb.FromID), logx.String("data", cb.Data))
	status, pendingID, ok := parseReminderCallback(cb.Data)
	if !ok {
		log.Debug("unknown callback")
		a.answer(ctx, log, cb.ID, "")
		return
	}
	if _, err := a.store.UpsertUser(ctx, domain.User{ID: cb.FromID, Username: cb.FromUsername}); err != nil {
		log.Warn("upsert user failed", logx.Err(err))
	}
	out, err := a.resolver.Resolve(ctx, resolution.Request{PendingID: pendingID, ActorUserID: cb.FromID, Status: status})
	if err != nil {
		log.Info("callback rejected", logx.Int64("pending_id", pendingID), logx.Err(err))
		a.answer(ctx, log, cb.ID, domain.UserMessage(err))
		return
	}
	log.Debug("callback resolved", logx.Int64("pending_id", pendingID), logx.Int("edited", out.Edited))
	text := "Done ✅"
	if status == domain.StatusSkipped {
		text = "Skipped ⏭️"
	}
	a.answer(ctx, log, cb.ID, text)
}

func (a *App) answer(ctx context.Context, log logx.Logger, callbackID, text string) {
	if err := a.adapter.AnswerCallback(ctx, callbackID, text); err != nil {
		log.Debug("answer callback failed", logx.Err(err))
	}
}

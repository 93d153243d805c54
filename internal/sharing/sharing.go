// Package sharing manages invite links over a user's schedules and the
// members who joined them.
package sharing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"plantbot/internal/domain"
	"plantbot/internal/eventbus"
	"plantbot/internal/storage"
	logx "plantbot/pkg/logx"
)

// codeAlphabet drops look-alikes (0/O, 1/I).
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLen      = 8
	codeAttempts = 5
)

type Store interface {
	InTx(ctx context.Context, fn func(tx *storage.Tx) error) error
	ListShareLinks(ctx context.Context, ownerID int64) ([]domain.ShareLink, error)
	ListShareMembers(ctx context.Context, shareID int64) ([]domain.ShareMember, error)
}

type Service struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
	code  func() (string, error)
}

func New(store Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "sharing")),
		now:   time.Now,
		code:  NewCode,
	}
}

// SetClock overrides time.Now. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// NewCode returns a random invite code.
func NewCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode uppercases and strips separators users tend to type.
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer(" ", "", "-", "").Replace(code)
}

type CreateRequest struct {
	OwnerUserID   int64
	ScheduleIDs   []int64
	Title         string
	AllowComplete bool
	ShowHistory   bool
	ExpiresAt     time.Time // zero = never
	MaxUses       int       // 0 = unlimited
}

// CreateLink creates an active link over schedules the owner owns.
func (s *Service) CreateLink(ctx context.Context, req CreateRequest) (domain.ShareLink, error) {
	if len(req.ScheduleIDs) == 0 {
		return domain.ShareLink{}, errors.New("share link needs at least one schedule")
	}
	if req.MaxUses < 0 {
		return domain.ShareLink{}, fmt.Errorf("max uses %d", req.MaxUses)
	}
	if !req.ExpiresAt.IsZero() && !req.ExpiresAt.After(s.now()) {
		return domain.ShareLink{}, errors.New("expiry is in the past")
	}

	var link domain.ShareLink
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		for _, id := range req.ScheduleIDs {
			o, err := tx.GetOwnedSchedule(ctx, id)
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("schedule %d: %w", id, domain.ErrScheduleInactiveOrMissing)
			}
			if err != nil {
				return err
			}
			if o.Owner.ID != req.OwnerUserID {
				return fmt.Errorf("user %d on schedule %d: %w", req.OwnerUserID, id, domain.ErrUnauthorized)
			}
		}
		code, err := s.freeCode(ctx, tx)
		if err != nil {
			return err
		}
		link, err = tx.CreateShareLink(ctx, domain.ShareLink{
			OwnerUserID:          req.OwnerUserID,
			Code:                 code,
			Title:                strings.TrimSpace(req.Title),
			AllowCompleteDefault: req.AllowComplete,
			ShowHistoryDefault:   req.ShowHistory,
			Active:               true,
			ExpiresAt:            req.ExpiresAt,
			MaxUses:              req.MaxUses,
		}, req.ScheduleIDs)
		return err
	})
	if err != nil {
		return domain.ShareLink{}, err
	}
	s.log.Info("share link created",
		logx.Int64("share_id", link.ID), logx.Int64("owner", link.OwnerUserID), logx.Int("schedules", len(req.ScheduleIDs)))
	s.publish("share.created", link)
	return link, nil
}

func (s *Service) freeCode(ctx context.Context, tx *storage.Tx) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code, err := s.code()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		_, err = tx.GetShareLinkByCode(ctx, code)
		if errors.Is(err, domain.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("no free share code")
}

type JoinResult struct {
	Link   domain.ShareLink
	Member domain.ShareMember
	// Already is set when the user was an active member; no use is counted.
	Already bool
}

// Join subscribes userID to the link behind code. A REMOVED or PENDING
// member is reactivated with its overrides kept; a BLOCKED one is refused.
func (s *Service) Join(ctx context.Context, code string, userID int64) (JoinResult, error) {
	code = NormalizeCode(code)
	now := s.now()
	var res JoinResult
	err := s.store.InTx(ctx, func(tx *storage.Tx) error {
		l, err := tx.GetShareLinkByCode(ctx, code)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("code %q: %w", code, domain.ErrShareUnavailable)
		}
		if err != nil {
			return err
		}
		if l.OwnerUserID == userID {
			return fmt.Errorf("own link: %w", domain.ErrShareUnavailable)
		}
		res.Link = l

		m, err := tx.GetShareMember(ctx, l.ID, userID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			m = domain.ShareMember{ShareID: l.ID, SubscriberUserID: userID}
		case err != nil:
			return err
		case m.Status == domain.MemberActive:
			if !l.Live(now) {
				return fmt.Errorf("share %d: %w", l.ID, domain.ErrShareUnavailable)
			}
			res.Member, res.Already = m, true
			return nil
		case m.Status == domain.MemberBlocked:
			return fmt.Errorf("blocked on share %d: %w", l.ID, domain.ErrShareUnavailable)
		}
		if !l.Joinable(now) {
			return fmt.Errorf("share %d: %w", l.ID, domain.ErrShareUnavailable)
		}

		m.Status = domain.MemberActive
		m.RemovedAt = time.Time{}
		m.JoinedAt = now.UTC()
		if res.Member, err = tx.UpsertShareMember(ctx, m); err != nil {
			return err
		}
		return tx.IncrementShareUses(ctx, l.ID)
	})
	if err != nil {
		return JoinResult{}, err
	}
	if !res.Already {
		s.log.Info("share joined", logx.Int64("share_id", res.Link.ID), logx.Int64("user_id", userID))
		s.publish("share.joined", res)
	}
	return res, nil
}

// Leave marks the caller's membership REMOVED.
func (s *Service) Leave(ctx context.Context, shareID, userID int64) error {
	return s.updateMember(ctx, shareID, userID, func(m *domain.ShareMember) {
		m.Status = domain.MemberRemoved
		m.RemovedAt = s.now().UTC()
	})
}

// SetMuted toggles the caller's membership. A muted member gets no
// reminders and does not see the schedules in the shared feed.
func (s *Service) SetMuted(ctx context.Context, shareID, userID int64, muted bool) error {
	return s.updateMember(ctx, shareID, userID, func(m *domain.ShareMember) { m.Muted = muted })
}

// SetMemberStatus lets the link owner block, remove or reinstate a member.
func (s *Service) SetMemberStatus(ctx context.Context, ownerID, shareID, subscriberID int64, status domain.MemberStatus) error {
	if _, err := domain.ParseMemberStatus(string(status)); err != nil {
		return err
	}
	return s.ownerUpdate(ctx, ownerID, shareID, subscriberID, func(m *domain.ShareMember) {
		m.Status = status
		m.RemovedAt = time.Time{}
		if status == domain.MemberRemoved {
			m.RemovedAt = s.now().UTC()
		}
	})
}

// SetOverrides sets per-member permissions; nil falls back to the link default.
func (s *Service) SetOverrides(ctx context.Context, ownerID, shareID, subscriberID int64, canComplete, showHistory *bool) error {
	return s.ownerUpdate(ctx, ownerID, shareID, subscriberID, func(m *domain.ShareMember) {
		m.CanCompleteOverride = canComplete
		m.ShowHistoryOverride = showHistory
	})
}

// SetLinkActive enables or disables a link for everybody.
func (s *Service) SetLinkActive(ctx context.Context, ownerID, shareID int64, active bool) error {
	return s.store.InTx(ctx, func(tx *storage.Tx) error {
		l, err := tx.GetShareLink(ctx, shareID)
		if err != nil {
			return err
		}
		if l.OwnerUserID != ownerID {
			return fmt.Errorf("user %d on share %d: %w", ownerID, shareID, domain.ErrUnauthorized)
		}
		return tx.SetShareLinkActive(ctx, shareID, active)
	})
}

func (s *Service) Links(ctx context.Context, ownerID int64) ([]domain.ShareLink, error) {
	return s.store.ListShareLinks(ctx, ownerID)
}

func (s *Service) Members(ctx context.Context, shareID int64) ([]domain.ShareMember, error) {
	return s.store.ListShareMembers(ctx, shareID)
}

func (s *Service) ownerUpdate(ctx context.Context, ownerID, shareID, subscriberID int64, fn func(*domain.ShareMember)) error {
	return s.store.InTx(ctx, func(tx *storage.Tx) error {
		l, err := tx.GetShareLink(ctx, shareID)
		if err != nil {
			return err
		}
		if l.OwnerUserID != ownerID {
			return fmt.Errorf("user %d on share %d: %w", ownerID, shareID, domain.ErrUnauthorized)
		}
		return applyMember(ctx, tx, shareID, subscriberID, fn)
	})
}

func (s *Service) updateMember(ctx context.Context, shareID, userID int64, fn func(*domain.ShareMember)) error {
	return s.store.InTx(ctx, func(tx *storage.Tx) error {
		return applyMember(ctx, tx, shareID, userID, fn)
	})
}

func applyMember(ctx context.Context, tx *storage.Tx, shareID, userID int64, fn func(*domain.ShareMember)) error {
	m, err := tx.GetShareMember(ctx, shareID, userID)
	if err != nil {
		return err
	}
	fn(&m)
	_, err = tx.UpsertShareMember(ctx, m)
	return err
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

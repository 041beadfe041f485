package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"threadline/api/internal/config"
	"threadline/api/internal/email"
	"threadline/api/internal/events"
	"threadline/api/internal/follow"
	"threadline/api/internal/rbac"
	"threadline/api/internal/search"
	"threadline/api/internal/signed"
	"threadline/api/internal/store"
	"threadline/api/internal/thread"
)

const (
	maxBodyLength = 3000
	maxNameLength = 50
)

// State is a step of the comment lifecycle.
type State string

const (
	StateSubmitted            State = "submitted"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateDiscarded            State = "discarded"
	StatePersisted            State = "persisted"
	StatePublic               State = "public"
	StateAwaitingModeration   State = "awaiting_moderation"
	StateRemoved              State = "removed"
)

// StateOf returns the resting state of a persisted comment.
func StateOf(c store.Comment) State {
	switch {
	case c.IsRemoved:
		return StateRemoved
	case c.IsPublic:
		return StatePublic
	default:
		return StateAwaitingModeration
	}
}

// Identity is the caller behind a request. The zero value is anonymous.
type Identity struct {
	UserID string
	Name   string
	Email  string
	Role   rbac.Role
}

func (i Identity) role() rbac.Role {
	if i.Role == "" {
		return rbac.RoleAnonymous
	}
	return i.Role
}

type SubmitInput struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	ParentID   int64  `json:"parentId"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	URL        string `json:"url"`
	Body       string `json:"comment"`
	Followup   bool   `json:"followup"`
	IPAddress  string `json:"-"`
}

// Outcome is where a submission or confirmation came to rest. Comment is nil
// unless the comment was persisted. ConfirmationKey is only set when no
// mailer is configured to deliver it.
type Outcome struct {
	State           State
	Comment         *store.Comment
	Duplicate       bool
	ConfirmationKey string
}

type FollowupResult struct {
	Comment  store.Comment
	Followup bool
	Changed  int64
}

type ReplyStatus struct {
	Comment  store.Comment
	MaxDepth int
}

type dataStore interface {
	Placement(ctx context.Context, target store.Target, fn func(store.PlacementTx) error) error
	GetComment(ctx context.Context, id int64) (store.Comment, error)
	ListByTarget(ctx context.Context, target store.Target) ([]store.Comment, error)
	ListThread(ctx context.Context, target store.Target, threadID int64) ([]store.Comment, error)
	SetFollowup(ctx context.Context, target store.Target, threadID int64, email string, followup bool) (int64, error)
	SetVisibility(ctx context.Context, id int64, isPublic, isRemoved bool) (store.Comment, error)
	CountPublic(ctx context.Context, target store.Target) (int64, error)
	Ping(ctx context.Context) error
}

type Mailer interface {
	Send(ctx context.Context, subject, text, html string, to []string) error
	IsConfigured() bool
}

type ConfirmationRenderer interface {
	RenderConfirmation(data email.ConfirmationData) (email.Rendered, error)
}

type FollowerNotifier interface {
	Notify(ctx context.Context, comment store.Comment) int
}

type CountCache interface {
	Get(ctx context.Context, target store.Target) (int64, bool, error)
	Set(ctx context.Context, target store.Target, n int64) error
	Invalidate(ctx context.Context, target store.Target) error
	Ping(ctx context.Context) error
}

type SearchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexComment(c store.Comment)
	DeleteComment(id int64)
}

// Deps are the collaborators of a Service. Store is required;
// the rest may be nil.
type Deps struct {
	Store        dataStore
	Placer       *thread.Placer
	Targets      *TargetRegistry
	Moderation   ModerationPolicy
	ConfirmCodec *signed.Codec
	FollowCodec  *signed.Codec
	Mailer       Mailer
	Templates    ConfirmationRenderer
	Notifier     FollowerNotifier
	Events       events.Publisher
	Counts       CountCache
	Search       SearchIndex
	Log          logrus.FieldLogger
}

type Service struct {
	cfg          config.Config
	store        dataStore
	placer       *thread.Placer
	targets      *TargetRegistry
	moderation   ModerationPolicy
	confirmCodec *signed.Codec
	followCodec  *signed.Codec
	mailer       Mailer
	templates    ConfirmationRenderer
	notifier     FollowerNotifier
	events       events.Publisher
	counts       CountCache
	search       SearchIndex
	log          logrus.FieldLogger
	now          func() time.Time

	willBePosted      vetoChain
	confirmationCheck vetoChain
}

// NewConfirmCodec signs the drafts carried by confirmation links.
func NewConfirmCodec(cfg config.Config) *signed.Codec {
	return signed.New([]byte(cfg.Secret), cfg.Salt+".comments.confirm", signed.WithMaxAge(cfg.ConfirmMaxAge))
}

// NewFollowCodec signs mute and follow links.
func NewFollowCodec(cfg config.Config) *signed.Codec {
	return signed.New([]byte(cfg.Secret), cfg.Salt+".comments.follow")
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:          cfg,
		store:        deps.Store,
		placer:       deps.Placer,
		targets:      deps.Targets,
		moderation:   deps.Moderation,
		confirmCodec: deps.ConfirmCodec,
		followCodec:  deps.FollowCodec,
		mailer:       deps.Mailer,
		templates:    deps.Templates,
		notifier:     deps.Notifier,
		events:       deps.Events,
		counts:       deps.Counts,
		search:       deps.Search,
		log:          deps.Log,
		now:          time.Now,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.placer == nil {
		s.placer = thread.NewPlacer(thread.Limits{Default: cfg.MaxThreadLevel, PerType: cfg.MaxThreadLevelByType})
	}
	if s.targets == nil {
		s.targets = NewTargetRegistry()
		s.targets.SetFallback(AnyTarget{})
	}
	if s.moderation == nil {
		s.moderation = PublishAll{}
	}
	if s.confirmCodec == nil {
		s.confirmCodec = NewConfirmCodec(cfg)
	}
	if s.followCodec == nil {
		s.followCodec = NewFollowCodec(cfg)
	}
	if s.events == nil {
		s.events = events.NewLogPublisher(s.log)
	}
	return s
}

// OnWillBePosted registers a veto consulted before a submission is either
// persisted or sent for confirmation. Register before serving requests.
func (s *Service) OnWillBePosted(v Veto) {
	s.willBePosted.add(v)
}

// OnConfirmationReceived registers a veto consulted when a confirmation link
// is followed.
func (s *Service) OnConfirmationReceived(v Veto) {
	s.confirmationCheck.add(v)
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) Submit(ctx context.Context, identity Identity, input SubmitInput) (Outcome, error) {
	if !rbac.Can(identity.role(), rbac.ActionComment) {
		return Outcome{}, domainError(http.StatusForbidden, "FORBIDDEN", "Commenting is not allowed", nil)
	}
	draft, err := s.draftFrom(identity, input)
	if err != nil {
		return Outcome{}, err
	}
	if err := s.resolveTarget(ctx, draft.Target); err != nil {
		return Outcome{}, err
	}
	if draft.ParentID != 0 {
		parent, err := s.store.GetComment(ctx, draft.ParentID)
		if errors.Is(err, sql.ErrNoRows) {
			return Outcome{}, domainError(http.StatusNotFound, "PARENT_NOT_FOUND", "Parent comment not found", nil)
		}
		if err != nil {
			return Outcome{}, err
		}
		if parent.Target != draft.Target || !parent.Visible() {
			return Outcome{}, domainError(http.StatusNotFound, "PARENT_NOT_FOUND", "Parent comment not found", nil)
		}
		if err := s.placer.CanReply(parent); err != nil {
			return Outcome{}, s.placementError(err)
		}
	}

	if !s.willBePosted.allow(ctx, draft) {
		s.discard(ctx, draft, "rejected before posting")
		return Outcome{State: StateDiscarded}, nil
	}

	// Signed-in users skip email confirmation.
	authenticated := identity.UserID != ""
	if authenticated || rbac.Can(identity.role(), rbac.ActionPostWithoutConfirmation) || !s.cfg.ConfirmEmail {
		return s.commit(ctx, draft)
	}
	return s.requestConfirmation(ctx, draft)
}

func (s *Service) draftFrom(identity Identity, input SubmitInput) (store.Draft, error) {
	name := strings.TrimSpace(input.Name)
	addr := strings.TrimSpace(input.Email)
	if identity.UserID != "" {
		if identity.Name != "" {
			name = identity.Name
		}
		if identity.Email != "" {
			addr = identity.Email
		}
	}
	body := strings.TrimSpace(input.Body)

	fields := map[string]string{}
	if strings.TrimSpace(input.TargetType) == "" || strings.TrimSpace(input.TargetID) == "" {
		fields["target"] = "targetType and targetId are required"
	}
	if name == "" {
		fields["name"] = "name is required"
	} else if utf8.RuneCountInString(name) > maxNameLength {
		fields["name"] = fmt.Sprintf("name must be at most %d characters", maxNameLength)
	}
	if _, err := mail.ParseAddress(addr); err != nil || addr == "" {
		fields["email"] = "a valid email is required"
	}
	if body == "" {
		fields["comment"] = "comment is required"
	} else if utf8.RuneCountInString(body) > maxBodyLength {
		fields["comment"] = fmt.Sprintf("comment must be at most %d characters", maxBodyLength)
	}
	if input.ParentID < 0 {
		fields["parentId"] = "parentId must not be negative"
	}
	if len(fields) > 0 {
		return store.Draft{}, errValidation(fields)
	}

	return store.Draft{
		Target:     store.Target{Type: strings.TrimSpace(input.TargetType), ID: strings.TrimSpace(input.TargetID)},
		ParentID:   input.ParentID,
		UserID:     identity.UserID,
		UserName:   name,
		UserEmail:  addr,
		UserURL:    strings.TrimSpace(input.URL),
		Body:       body,
		IPAddress:  input.IPAddress,
		SubmitDate: store.SubmitTime(s.now()),
		Followup:   input.Followup,
	}, nil
}

func (s *Service) resolveTarget(ctx context.Context, target store.Target) error {
	err := s.targets.Resolve(ctx, target)
	if errors.Is(err, ErrTargetNotFound) {
		return errTargetNotFound()
	}
	return err
}

func (s *Service) requestConfirmation(ctx context.Context, draft store.Draft) (Outcome, error) {
	key, err := s.confirmCodec.Encode(draft, true)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode confirmation: %w", err)
	}
	outcome := Outcome{State: StateAwaitingConfirmation}
	logger := s.log.WithFields(logrus.Fields{"target": draft.Target.String(), "state": StateAwaitingConfirmation})

	if s.mailer == nil || !s.mailer.IsConfigured() || s.templates == nil {
		logger.Warn("email not configured, returning confirmation key to caller")
		outcome.ConfirmationKey = key
	} else {
		rendered, err := s.templates.RenderConfirmation(email.ConfirmationData{
			SiteName:   s.cfg.SiteName,
			UserName:   draft.UserName,
			Body:       draft.Body,
			ConfirmURL: s.cfg.PublicURL + "/api/comments/confirm/" + key,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("render confirmation: %w", err)
		}
		if err := s.mailer.Send(ctx, rendered.Subject, rendered.Text, rendered.HTML, []string{draft.UserEmail}); err != nil {
			return Outcome{}, fmt.Errorf("send confirmation: %w", err)
		}
	}

	s.publish(ctx, events.Event{
		Type:       events.ConfirmationRequested,
		Target:     draft.Target,
		Email:      draft.UserEmail,
		OccurredAt: s.now().UTC(),
	})
	logger.Info("confirmation requested")
	return outcome, nil
}

// Confirm persists the draft carried by key. Following the same link again
// returns the comment created the first time.
func (s *Service) Confirm(ctx context.Context, key string) (Outcome, error) {
	var draft store.Draft
	if err := s.confirmCodec.Decode(key, &draft); err != nil {
		s.log.WithError(err).Debug("confirmation key rejected")
		return Outcome{}, errNotFound()
	}
	if draft.Target.IsZero() {
		return Outcome{}, errNotFound()
	}

	existing, found, err := s.findSubmission(ctx, draft)
	if err != nil {
		return Outcome{}, err
	}
	if found {
		return Outcome{State: StateOf(existing), Comment: &existing, Duplicate: true}, nil
	}

	if err := s.resolveTarget(ctx, draft.Target); err != nil {
		return Outcome{}, err
	}
	if !s.confirmationCheck.allow(ctx, draft) {
		s.discard(ctx, draft, "rejected at confirmation")
		return Outcome{State: StateDiscarded}, nil
	}
	return s.commit(ctx, draft)
}

func (s *Service) findSubmission(ctx context.Context, draft store.Draft) (store.Comment, bool, error) {
	var existing store.Comment
	var found bool
	err := s.store.Placement(ctx, draft.Target, func(tx store.PlacementTx) error {
		var err error
		existing, found, err = tx.FindSubmission(ctx, draft)
		return err
	})
	if err != nil {
		return store.Comment{}, false, fmt.Errorf("find submission: %w", err)
	}
	return existing, found, nil
}

// commit places and inserts draft under the target's placement lock. A
// stored comment from the same submission is returned unchanged.
func (s *Service) commit(ctx context.Context, draft store.Draft) (Outcome, error) {
	var saved store.Comment
	var duplicate bool
	err := s.store.Placement(ctx, draft.Target, func(tx store.PlacementTx) error {
		existing, found, err := tx.FindSubmission(ctx, draft)
		if err != nil {
			return err
		}
		if found {
			saved, duplicate = existing, true
			return nil
		}

		var parent *store.Comment
		if draft.ParentID != 0 {
			p, err := tx.GetComment(ctx, draft.ParentID)
			if err != nil {
				return err
			}
			parent = &p
		}
		comment := draft.Comment()
		comment.IsPublic = s.moderation.AutoPublish(comment)
		saved, err = s.placer.Commit(ctx, tx, comment, parent)
		return err
	})
	if err != nil {
		return Outcome{}, s.placementError(err)
	}
	if duplicate {
		return Outcome{State: StateOf(saved), Comment: &saved, Duplicate: true}, nil
	}

	s.transition(saved, StateSubmitted, StatePersisted)
	after := context.WithoutCancel(ctx)
	s.publish(after, events.ForComment(events.CommentPosted, saved))
	if saved.IsPublic {
		s.transition(saved, StatePersisted, StatePublic)
		s.published(after, saved)
	} else {
		s.transition(saved, StatePersisted, StateAwaitingModeration)
		s.publish(after, events.ForComment(events.CommentAwaitModeration, saved))
	}
	return Outcome{State: StateOf(saved), Comment: &saved}, nil
}

func (s *Service) placementError(err error) error {
	var depth *thread.MaxDepthExceededError
	switch {
	case errors.As(err, &depth):
		return errMaxDepth(depth)
	case errors.Is(err, thread.ErrParentMismatch), errors.Is(err, sql.ErrNoRows):
		return domainError(http.StatusNotFound, "PARENT_NOT_FOUND", "Parent comment not found", nil)
	default:
		return err
	}
}

// published runs the side effects of a comment becoming visible.
func (s *Service) published(ctx context.Context, c store.Comment) {
	s.invalidateCount(ctx, c.Target)
	if s.search != nil {
		s.search.IndexComment(c)
	}
	s.publish(ctx, events.ForComment(events.CommentPublished, c))
	if s.notifier != nil {
		s.notifier.Notify(ctx, c)
	}
}

func (s *Service) invalidateCount(ctx context.Context, target store.Target) {
	if s.counts == nil {
		return
	}
	if err := s.counts.Invalidate(ctx, target); err != nil {
		s.log.WithError(err).WithField("target", target.String()).Warn("comment count cache invalidation failed")
	}
}

func (s *Service) discard(ctx context.Context, draft store.Draft, reason string) {
	s.log.WithFields(logrus.Fields{
		"target": draft.Target.String(),
		"from":   StateSubmitted,
		"to":     StateDiscarded,
		"reason": reason,
	}).Info("comment discarded")
	s.publish(ctx, events.Event{
		Type:       events.CommentDiscarded,
		Target:     draft.Target,
		Email:      draft.UserEmail,
		Reason:     reason,
		OccurredAt: s.now().UTC(),
	})
}

func (s *Service) transition(c store.Comment, from, to State) {
	s.log.WithFields(logrus.Fields{
		"comment_id": c.ID,
		"target":     c.Target.String(),
		"thread_id":  c.ThreadID,
		"from":       from,
		"to":         to,
	}).Info("comment state changed")
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.log.WithError(err).WithField("event", event.Type).Warn("publish event failed")
	}
}

// SetFollowup applies a mute or follow link. Every rejection, including a
// link used with the other action, is reported as not found.
func (s *Service) SetFollowup(ctx context.Context, key string, action follow.Action) (FollowupResult, error) {
	var payload follow.ActionPayload
	if err := s.followCodec.Decode(key, &payload); err != nil {
		s.log.WithError(err).Debug("follow key rejected")
		return FollowupResult{}, errNotFound()
	}
	if payload.Action != action {
		return FollowupResult{}, errNotFound()
	}

	anchor, err := s.lookup(ctx, payload.AnchorID)
	if err != nil {
		return FollowupResult{}, err
	}
	if store.NormalizeEmail(anchor.UserEmail) != store.NormalizeEmail(payload.Email) {
		return FollowupResult{}, errNotFound()
	}
	subject, err := s.lookup(ctx, payload.CommentID)
	if err != nil {
		return FollowupResult{}, err
	}
	if subject.Target != anchor.Target || subject.ThreadID != anchor.ThreadID {
		return FollowupResult{}, errNotFound()
	}

	followup := action == follow.ActionReengage
	changed, err := s.store.SetFollowup(ctx, anchor.Target, anchor.ThreadID, payload.Email, followup)
	if err != nil {
		return FollowupResult{}, fmt.Errorf("set followup: %w", err)
	}

	event := events.ForComment(events.FollowupToggled, subject)
	event.Email = store.NormalizeEmail(payload.Email)
	event.Reason = string(action)
	s.publish(ctx, event)
	if !followup {
		muted := events.ForComment(events.ThreadMuted, subject)
		muted.Email = event.Email
		s.publish(ctx, muted)
	}
	s.log.WithFields(logrus.Fields{
		"thread_id": anchor.ThreadID,
		"action":    action,
		"changed":   changed,
	}).Info("followup updated")

	return FollowupResult{Comment: subject, Followup: followup, Changed: changed}, nil
}

func (s *Service) lookup(ctx context.Context, id int64) (store.Comment, error) {
	if id <= 0 {
		return store.Comment{}, errNotFound()
	}
	c, err := s.store.GetComment(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Comment{}, errNotFound()
	}
	if err != nil {
		return store.Comment{}, err
	}
	return c, nil
}

// Moderate approves or removes a comment.
func (s *Service) Moderate(ctx context.Context, identity Identity, id int64, action string) (store.Comment, error) {
	if !rbac.Can(identity.role(), rbac.ActionModerate) {
		return store.Comment{}, domainError(http.StatusForbidden, "FORBIDDEN", "Moderation requires the moderator role", nil)
	}
	current, err := s.lookup(ctx, id)
	if err != nil {
		return store.Comment{}, err
	}

	var updated store.Comment
	switch action {
	case "approve":
		updated, err = s.store.SetVisibility(ctx, id, true, false)
	case "remove":
		updated, err = s.store.SetVisibility(ctx, id, current.IsPublic, true)
	default:
		return store.Comment{}, errValidation(map[string]string{"action": "action must be approve or remove"})
	}
	if err != nil {
		return store.Comment{}, fmt.Errorf("moderate comment %d: %w", id, err)
	}

	from, to := StateOf(current), StateOf(updated)
	if from == to {
		return updated, nil
	}
	s.transition(updated, from, to)
	switch {
	case to == StatePublic:
		s.published(context.WithoutCancel(ctx), updated)
	case from == StatePublic:
		s.invalidateCount(context.WithoutCancel(ctx), updated.Target)
		if s.search != nil {
			s.search.DeleteComment(updated.ID)
		}
	}
	if to == StateRemoved {
		event := events.ForComment(events.CommentRemoved, updated)
		event.Reason = identity.Name
		s.publish(ctx, event)
	}
	return updated, nil
}

// Thread returns the visible reply tree of target. Replies under a hidden
// comment are hidden with it.
func (s *Service) Thread(ctx context.Context, target store.Target) ([]*thread.Node, error) {
	if err := s.resolveTarget(ctx, target); err != nil {
		return nil, err
	}
	comments, err := s.store.ListByTarget(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	forest, err := thread.Build(comments)
	if err != nil {
		s.log.WithError(err).WithField("target", target.String()).Error("stored comments are out of order")
		return nil, err
	}
	return thread.Prune(forest, store.Comment.Visible), nil
}

func (s *Service) Count(ctx context.Context, target store.Target) (int64, error) {
	if err := s.resolveTarget(ctx, target); err != nil {
		return 0, err
	}
	if s.counts != nil {
		n, ok, err := s.counts.Get(ctx, target)
		if err != nil {
			s.log.WithError(err).Warn("comment count cache read failed")
		} else if ok {
			return n, nil
		}
	}
	n, err := s.store.CountPublic(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("count comments: %w", err)
	}
	if s.counts != nil {
		if err := s.counts.Set(ctx, target, n); err != nil {
			s.log.WithError(err).Warn("comment count cache write failed")
		}
	}
	return n, nil
}

// Comment returns a comment that has not been removed.
func (s *Service) Comment(ctx context.Context, id int64) (store.Comment, error) {
	c, err := s.lookup(ctx, id)
	if err != nil {
		return store.Comment{}, err
	}
	if c.IsRemoved {
		return store.Comment{}, errNotFound()
	}
	return c, nil
}

// ReplyCheck reports whether comment id may receive replies.
func (s *Service) ReplyCheck(ctx context.Context, id int64) (ReplyStatus, error) {
	c, err := s.lookup(ctx, id)
	if err != nil {
		return ReplyStatus{}, err
	}
	if !c.Visible() {
		return ReplyStatus{}, errNotFound()
	}
	if err := s.placer.CanReply(c); err != nil {
		return ReplyStatus{}, s.placementError(err)
	}
	return ReplyStatus{Comment: c, MaxDepth: s.placer.MaxDepthFor(c.Target.Type)}, nil
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// Readiness pings every backend the service depends on, keyed by check name.
// A nil error means the backend answered.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.counts != nil {
		checks["redis"] = s.counts.Ping(ctx)
	}
	return checks
}
